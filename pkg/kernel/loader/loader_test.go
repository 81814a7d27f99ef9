// Copyright 2024 Intel Corporation. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loader

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm"
	"github.com/intel/kcore/pkg/testutils"
)

func testImage(machine elf.Machine) []byte {
	return BuildELF(machine, 0x10100, "hello", []SegmentSpec{
		{Vaddr: 0x10000, Data: make([]byte, 0x200), Flags: elf.PF_R | elf.PF_X},
		{Vaddr: 0x21008, Data: []byte("data"), Memsz: 0x3000, Flags: elf.PF_R | elf.PF_W},
	})
}

func TestLoad(t *testing.T) {
	fs := NewMemFS()
	fs.Add("/bin/hello", testImage(elf.EM_RISCV))

	x, err := Load(fs, "/bin/hello", elf.EM_RISCV)
	require.NoError(t, err)
	require.Equal(t, "hello", x.Program)
	require.Equal(t, "/bin/hello", x.Path)
	require.Equal(t, uint64(0x10100), x.Image.Entry)
	testutils.VerifyDeepEqual(t, "segments", []mm.Segment{
		{Vaddr: 0x10000, Memsz: 0x200, Offset: 0x1000, Filesz: 0x200, Perm: arch.PermRead | arch.PermExec},
		{Vaddr: 0x21008, Memsz: 0x3000, Offset: 0x2008, Filesz: 4, Perm: arch.PermRead | arch.PermWrite},
	}, x.Image.Segments)
	require.Equal(t, uint64(3), x.Image.Phnum)
}

func TestLoadErrors(t *testing.T) {
	fs := NewMemFS()
	fs.Add("/bin/la", testImage(elf.EM_LOONGARCH))
	fs.Add("/bin/junk", []byte("#!/bin/sh\n"))
	fs.Add("/bin/noprog", BuildELF(elf.EM_RISCV, 0x1000, "", []SegmentSpec{
		{Vaddr: 0x1000, Data: []byte{1}, Flags: elf.PF_R},
	}))

	tcases := []struct {
		name  string
		path  string
		errno abi.Errno
	}{
		{name: "missing", path: "/bin/none", errno: abi.ENOENT},
		{name: "relative", path: "bin/la", errno: abi.ENOENT},
		{name: "wrong machine", path: "/bin/la", errno: abi.ENOEXEC},
		{name: "not elf", path: "/bin/junk", errno: abi.ENOEXEC},
		{name: "no program", path: "/bin/noprog", errno: abi.ENOEXEC},
	}
	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(fs, tc.path, elf.EM_RISCV)
			testutils.VerifyErrno(t, err, tc.errno)
		})
	}
}

func TestMachineFor(t *testing.T) {
	m, err := MachineFor("la64")
	require.NoError(t, err)
	require.Equal(t, elf.EM_LOONGARCH, m)
	_, err = MachineFor("x86")
	require.Error(t, err)
}

func TestMemFS(t *testing.T) {
	fs := NewMemFS()
	fs.Add("/etc//motd", []byte("hi"))
	fs.Add("/init", nil)
	require.Equal(t, []string{"/etc/motd", "/init"}, fs.List())

	f, err := fs.Open("/etc/motd")
	require.NoError(t, err)
	fs.Remove("/etc/motd")
	buf := make([]byte, 2)
	_, err = f.ReadAt(buf, 0)
	require.NoError(t, err)
	require.Equal(t, "hi", string(buf))
	_, err = fs.Open("/etc/motd")
	require.Error(t, err)
}

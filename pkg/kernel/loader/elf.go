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
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/intel/kcore/pkg/kernel/abi"
	"github.com/intel/kcore/pkg/kernel/arch"
	"github.com/intel/kcore/pkg/kernel/mm"
)

const (
	// NoteName is the owner of the note naming the program of an image.
	NoteName = "KCORE"
	// NoteProgram is the type of the note naming the program of an image.
	NoteProgram = 1

	maxNoteSize = 4096
)

// Executable is a parsed executable file.
type Executable struct {
	Path    string
	Program string
	Machine elf.Machine
	Image   *mm.Image
}

// MachineFor returns the ELF machine matching a page table format.
func MachineFor(format string) (elf.Machine, error) {
	switch format {
	case "sv39":
		return elf.EM_RISCV, nil
	case "la64":
		return elf.EM_LOONGARCH, nil
	}
	return elf.EM_NONE, errors.Errorf("loader: no machine for page table format %q", format)
}

// Load opens and parses the executable at path. The image is checked to be
// a static ELF64 executable for machine, with no segment overlapping another.
func Load(fs FS, path string, machine elf.Machine) (*Executable, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	return Parse(f, machine)
}

// Parse parses an opened executable file.
func Parse(f File, machine elf.Machine) (*Executable, error) {
	ef, err := elf.NewFile(io.NewSectionReader(f, 0, f.Size()))
	if err != nil {
		return nil, errors.Wrapf(abi.ENOEXEC, "%s: %v", f.Name(), err)
	}
	defer ef.Close()

	switch {
	case ef.Class != elf.ELFCLASS64:
		return nil, loaderError(f, "not a 64-bit executable")
	case ef.Data != elf.ELFDATA2LSB:
		return nil, loaderError(f, "not little endian")
	case ef.Type != elf.ET_EXEC:
		return nil, loaderError(f, "not a static executable (%s)", ef.Type)
	case ef.Machine != machine:
		return nil, loaderError(f, "machine %s, expected %s", ef.Machine, machine)
	}

	img := &mm.Image{
		File:  f,
		Entry: ef.Entry,
		Phent: 56,
		Phnum: uint64(len(ef.Progs)),
	}
	x := &Executable{
		Path:    f.Name(),
		Machine: ef.Machine,
		Image:   img,
	}

	for _, p := range ef.Progs {
		switch p.Type {
		case elf.PT_LOAD:
			img.Segments = append(img.Segments, mm.Segment{
				Vaddr:  p.Vaddr,
				Memsz:  p.Memsz,
				Offset: p.Off,
				Filesz: p.Filesz,
				Perm:   permOf(p.Flags),
			})
		case elf.PT_PHDR:
			img.Phdr = p.Vaddr
		case elf.PT_NOTE:
			if name, ok := programNote(p); ok {
				x.Program = name
			}
		}
	}
	if len(img.Segments) == 0 {
		return nil, loaderError(f, "no loadable segments")
	}
	if x.Program == "" {
		return nil, loaderError(f, "no program note")
	}
	if img.Phdr == 0 {
		// program headers inside the first segment, as laid out by the linker
		first := img.Segments[0]
		hdr := uint64(binary.Size(elf.Header64{}))
		if first.Offset == 0 && first.Filesz >= hdr+img.Phent*img.Phnum {
			img.Phdr = first.Vaddr + hdr
		}
	}

	log.Debug("%s: program %s, entry %#x, %d segments", f.Name(), x.Program, img.Entry, len(img.Segments))
	return x, nil
}

func permOf(flags elf.ProgFlag) arch.Perm {
	perm := arch.PermNone
	if flags&elf.PF_R != 0 {
		perm |= arch.PermRead
	}
	if flags&elf.PF_W != 0 {
		perm |= arch.PermWrite
	}
	if flags&elf.PF_X != 0 {
		perm |= arch.PermExec
	}
	return perm
}

// programNote extracts the program name from a note segment.
func programNote(p *elf.Prog) (string, bool) {
	if p.Filesz > maxNoteSize {
		return "", false
	}
	data := make([]byte, p.Filesz)
	if _, err := p.ReadAt(data, 0); err != nil {
		return "", false
	}
	for len(data) >= 12 {
		namesz := binary.LittleEndian.Uint32(data[0:])
		descsz := binary.LittleEndian.Uint32(data[4:])
		typ := binary.LittleEndian.Uint32(data[8:])
		nameEnd := 12 + align4(uint64(namesz))
		descEnd := nameEnd + align4(uint64(descsz))
		if descEnd > uint64(len(data)) {
			return "", false
		}
		name := bytes.TrimRight(data[12:12+namesz], "\x00")
		if typ == NoteProgram && string(name) == NoteName {
			return string(bytes.TrimRight(data[nameEnd:nameEnd+uint64(descsz)], "\x00")), true
		}
		data = data[descEnd:]
	}
	return "", false
}

func align4(n uint64) uint64 {
	return (n + 3) &^ 3
}

func loaderError(f File, format string, args ...interface{}) error {
	return errors.Wrapf(abi.ENOEXEC, f.Name()+": "+format, args...)
}

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

	"github.com/intel/kcore/pkg/kernel/mm/frame"
)

// SegmentSpec is a segment of an image built by BuildELF.
type SegmentSpec struct {
	Vaddr uint64
	Data  []byte
	// Memsz is the size in memory, at least len(Data).
	Memsz uint64
	Flags elf.ProgFlag
}

// BuildELF produces a static ELF64 executable for machine, with the given
// segments and a note naming the program to run.
func BuildELF(machine elf.Machine, entry uint64, program string, segs []SegmentSpec) []byte {
	const (
		ehsize    = 64
		phentsize = 56
	)
	note := programNoteData(program)
	phnum := len(segs) + 1
	noteOff := uint64(ehsize + phentsize*phnum)

	// each segment starts on a fresh page, congruent to its address
	offs := make([]uint64, len(segs))
	off := noteOff + uint64(len(note))
	for i, s := range segs {
		off = (off+frame.PageSize-1)&^(frame.PageSize-1) + s.Vaddr&(frame.PageSize-1)
		offs[i] = off
		off += uint64(len(s.Data))
	}

	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(machine),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     entry,
		Phoff:     ehsize,
		Ehsize:    ehsize,
		Phentsize: phentsize,
		Phnum:     uint16(phnum),
		Shentsize: 64,
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	binary.Write(&buf, binary.LittleEndian, &elf.Prog64{
		Type:   uint32(elf.PT_NOTE),
		Flags:  uint32(elf.PF_R),
		Off:    noteOff,
		Filesz: uint64(len(note)),
		Align:  4,
	})
	for i, s := range segs {
		memsz := max(s.Memsz, uint64(len(s.Data)))
		binary.Write(&buf, binary.LittleEndian, &elf.Prog64{
			Type:   uint32(elf.PT_LOAD),
			Flags:  uint32(s.Flags),
			Off:    offs[i],
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  memsz,
			Align:  frame.PageSize,
		})
	}
	buf.Write(note)
	for i, s := range segs {
		buf.Write(make([]byte, offs[i]-uint64(buf.Len())))
		buf.Write(s.Data)
	}
	return buf.Bytes()
}

func programNoteData(program string) []byte {
	name := append([]byte(NoteName), 0)
	desc := append([]byte(program), 0)
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(len(name)))
	binary.Write(&buf, binary.LittleEndian, uint32(len(desc)))
	binary.Write(&buf, binary.LittleEndian, uint32(NoteProgram))
	buf.Write(name)
	buf.Write(make([]byte, align4(uint64(len(name)))-uint64(len(name))))
	buf.Write(desc)
	buf.Write(make([]byte, align4(uint64(len(desc)))-uint64(len(desc))))
	return buf.Bytes()
}

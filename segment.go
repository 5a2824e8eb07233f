package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/appsworld/go-macho-remote/types"
)

// A Section holds one parsed section header. Addresses are as declared
// in the file, not adjusted for slide.
type Section struct {
	Name      string
	Seg       string
	Addr      uint64
	Size      uint64
	Offset    uint32
	Align     uint32
	Reloff    uint32
	Nreloc    uint32
	Flags     types.SectionFlag
	Reserved1 uint32
	Reserved2 uint32
	Reserved3 uint32 // only carried by 64-bit images
}

func (s *Section) String() string {
	return fmt.Sprintf("sect=%s.%s addr=%#x size=%#x offset=%#x align=2^%d flags=%#x",
		s.Seg, s.Name, s.Addr, s.Size, s.Offset, s.Align, s.Flags)
}

// A SegmentReader wraps one LC_SEGMENT or LC_SEGMENT_64 load command
// read out of a remote image, along with the section headers that
// trail it. Initialize must succeed before any other method is called.
type SegmentReader struct {
	name     string
	vmaddr   uint64
	vmsize   uint64
	fileoff  uint64
	filesz   uint64
	maxprot  types.VmProtection
	prot     types.VmProtection
	flag     types.SegFlag
	sections []*Section
	is64     bool

	initialized bool
}

// Initialize reads the full command, cmdsize bytes at addr, and parses
// the segment header and its declared sections. info is a string to be
// included in diagnostics, identifying the command and module.
func (s *SegmentReader) Initialize(mem TaskMemory, bo binary.ByteOrder, is64 bool, addr uint64, cmdsize uint32, info string) error {
	if s.initialized {
		panic("macho: segment reader already initialized")
	}
	s.is64 = is64

	segSize := uint32(binary.Size(types.Segment32{}))
	sectSize := uint32(binary.Size(types.Section32{}))
	expect := types.LC_SEGMENT
	if is64 {
		segSize = uint32(binary.Size(types.Segment64{}))
		sectSize = uint32(binary.Size(types.Section64{}))
		expect = types.LC_SEGMENT_64
	}
	if cmdsize < segSize {
		return &FormatError{addr, fmt.Sprintf("segment command too small (%d bytes) for %s", cmdsize, info), nil}
	}

	cmddat, err := readTaskMemory(mem, addr, uint64(cmdsize))
	if err != nil {
		return errors.Wrap(err, "failed to read "+info)
	}
	b := bytes.NewReader(cmddat)

	var nsect uint32
	if is64 {
		var seg types.Segment64
		if err := binary.Read(b, bo, &seg); err != nil {
			return errors.Wrap(err, "failed to decode "+info)
		}
		if seg.Command() != expect {
			return &FormatError{addr, "unexpected load command for " + info, seg.Command()}
		}
		s.name = cstring(seg.Name[:])
		s.vmaddr = seg.Addr
		s.vmsize = seg.Memsz
		s.fileoff = seg.Offset
		s.filesz = seg.Filesz
		s.maxprot = seg.Maxprot
		s.prot = seg.Prot
		s.flag = seg.Flag
		nsect = seg.Nsect
	} else {
		var seg types.Segment32
		if err := binary.Read(b, bo, &seg); err != nil {
			return errors.Wrap(err, "failed to decode "+info)
		}
		if seg.Command() != expect {
			return &FormatError{addr, "unexpected load command for " + info, seg.Command()}
		}
		s.name = cstring(seg.Name[:])
		s.vmaddr = uint64(seg.Addr)
		s.vmsize = uint64(seg.Memsz)
		s.fileoff = uint64(seg.Offset)
		s.filesz = uint64(seg.Filesz)
		s.maxprot = seg.Maxprot
		s.prot = seg.Prot
		s.flag = seg.Flag
		nsect = seg.Nsect
	}

	// The command must account for its section headers exactly.
	if uint64(segSize)+uint64(nsect)*uint64(sectSize) != uint64(cmdsize) {
		return &FormatError{addr,
			fmt.Sprintf("segment command size %d inconsistent with %d sections in %s", cmdsize, nsect, info), nil}
	}

	for i := uint32(0); i < nsect; i++ {
		var sh *Section
		if is64 {
			var sect types.Section64
			if err := binary.Read(b, bo, &sect); err != nil {
				return errors.Wrapf(err, "failed to decode section %d/%d in %s", i+1, nsect, info)
			}
			sh = &Section{
				Name:      cstring(sect.Name[:]),
				Seg:       cstring(sect.Seg[:]),
				Addr:      sect.Addr,
				Size:      sect.Size,
				Offset:    sect.Offset,
				Align:     sect.Align,
				Reloff:    sect.Reloff,
				Nreloc:    sect.Nreloc,
				Flags:     sect.Flags,
				Reserved1: sect.Reserve1,
				Reserved2: sect.Reserve2,
				Reserved3: sect.Reserve3,
			}
		} else {
			var sect types.Section32
			if err := binary.Read(b, bo, &sect); err != nil {
				return errors.Wrapf(err, "failed to decode section %d/%d in %s", i+1, nsect, info)
			}
			sh = &Section{
				Name:      cstring(sect.Name[:]),
				Seg:       cstring(sect.Seg[:]),
				Addr:      uint64(sect.Addr),
				Size:      uint64(sect.Size),
				Offset:    sect.Offset,
				Align:     sect.Align,
				Reloff:    sect.Reloff,
				Nreloc:    sect.Nreloc,
				Flags:     sect.Flags,
				Reserved1: sect.Reserve1,
				Reserved2: sect.Reserve2,
			}
		}
		if sh.Seg != s.name {
			return &FormatError{addr,
				fmt.Sprintf("section %d/%d claims segment %q inside segment %q in %s", i+1, nsect, sh.Seg, s.name, info), nil}
		}
		s.sections = append(s.sections, sh)
	}

	s.initialized = true
	return nil
}

func (s *SegmentReader) check() {
	if !s.initialized {
		panic("macho: segment reader used before Initialize")
	}
}

// Name returns the segment's name with any trailing NULs stripped.
func (s *SegmentReader) Name() string { s.check(); return s.name }

// VMAddr returns the segment's preferred load address as declared in
// the file. Callers wanting the actual address go through
// ImageReader.GetSegmentByName, which accounts for slide.
func (s *SegmentReader) VMAddr() uint64 { s.check(); return s.vmaddr }

// VMSize returns the segment's mapped size as declared in the file.
func (s *SegmentReader) VMSize() uint64 { s.check(); return s.vmsize }

// FileOffset returns the offset of the segment's contents in the file
// it was loaded from.
func (s *SegmentReader) FileOffset() uint64 { s.check(); return s.fileoff }

// FileSize returns the size of the segment's file-backed contents.
// This may be less than VMSize when the tail of the segment is
// zero-filled at load.
func (s *SegmentReader) FileSize() uint64 { s.check(); return s.filesz }

// Prot returns the segment's initial protection.
func (s *SegmentReader) Prot() types.VmProtection { s.check(); return s.prot }

// Maxprot returns the segment's maximum protection.
func (s *SegmentReader) Maxprot() types.VmProtection { s.check(); return s.maxprot }

// Flag returns the segment's flags.
func (s *SegmentReader) Flag() types.SegFlag { s.check(); return s.flag }

// Nsects returns the number of sections in the segment.
func (s *SegmentReader) Nsects() uint32 { s.check(); return uint32(len(s.sections)) }

// Sections returns the segment's sections in file order.
func (s *SegmentReader) Sections() []*Section { s.check(); return s.sections }

// GetSectionByName returns the named section, or nil if the segment
// has no section with that name.
func (s *SegmentReader) GetSectionByName(name string) *Section {
	s.check()
	for _, sect := range s.sections {
		if sect.Name == name {
			return sect
		}
	}
	return nil
}

// GetSectionAtIndex returns the section at index, 0-based relative to
// the start of this segment. It is the caller's responsibility to pass
// a valid index.
func (s *SegmentReader) GetSectionAtIndex(index uint32) *Section {
	s.check()
	return s.sections[index]
}

// SegmentSlides reports whether the segment moves along with the rest
// of the image when the image loads somewhere other than its preferred
// address. The exception is the __PAGEZERO shape, a segment with no
// contents, no protections and a preferred address of 0, which stays
// put and grows instead. These are the same tests dyld applies.
func (s *SegmentReader) SegmentSlides() bool {
	s.check()
	return !(s.vmaddr == 0 && s.fileoff == 0 && s.filesz == 0 && s.vmsize != 0 &&
		s.prot.None() && s.maxprot.None())
}

func (s *SegmentReader) String() string {
	s.check()
	var b strings.Builder
	fmt.Fprintf(&b, "seg=%s addr=%#x size=%#x offset=%#x filesz=%#x prot=%s/%s sects=%d",
		s.name, s.vmaddr, s.vmsize, s.fileoff, s.filesz, s.prot, s.maxprot, len(s.sections))
	for _, sect := range s.sections {
		fmt.Fprintf(&b, "\n\t%s", sect)
	}
	return b.String()
}

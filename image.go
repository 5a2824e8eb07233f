// Package macho reads Mach-O images mapped into another process'
// address space. It works from a remote-memory primitive alone, so it
// can be pointed at a crashed process whose mappings may be torn or
// deliberately corrupt, and it never assumes the image it inspects is
// well formed beyond what it verifies itself.
package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/apex/log"
	"github.com/pkg/errors"

	"github.com/appsworld/go-macho-remote/types"
)

// A FormatError is returned when the bytes read out of the target do
// not have the shape of a valid Mach-O image.
type FormatError struct {
	addr uint64
	msg  string
	val  interface{}
}

func (e *FormatError) Error() string {
	msg := e.msg
	if e.val != nil {
		msg += fmt.Sprintf(" '%v'", e.val)
	}
	msg += fmt.Sprintf(" at address %#x", e.addr)
	return msg
}

type initState int

const (
	stateUninitialized initState = iota
	stateInitializing
	stateFailed
	stateReady
)

// An ImageReader reads the load command stream of one Mach-O image in
// a remote process. Initialize must be called exactly once and must
// succeed before any query method is used; query methods panic
// otherwise. After a successful Initialize the reader is immutable and
// safe for concurrent use.
type ImageReader struct {
	mem       TaskMemory // only held during Initialize
	byteOrder binary.ByteOrder
	is64      bool

	address    uint64
	size       uint64
	slide      uint64
	name       string
	moduleInfo string

	magic    types.Magic
	fileType types.HeaderFileType

	segments   []*SegmentReader
	segmentMap map[string]int

	symtab        *types.SymtabCmd
	dysymtab      *types.DysymtabCmd
	idDylib       *types.DylibCmd
	uuid          types.UUID
	sourceVersion types.SrcVersion
	dylinkerName  string

	state initState
}

// NewImageReader returns a reader ready to be initialized against one
// image.
func NewImageReader() *ImageReader {
	return &ImageReader{segmentMap: make(map[string]int)}
}

// Initialize reads the Mach-O header and the load command stream of
// the image mapped at address in mem. name is the module's pathname,
// used only in diagnostics. On failure the reader is unusable; there
// is no retry.
func (r *ImageReader) Initialize(mem TaskMemory, address uint64, name string) error {
	if r.state != stateUninitialized {
		panic("macho: Initialize may only be called once")
	}
	r.state = stateInitializing
	r.mem = mem
	defer func() {
		r.mem = nil
		if r.state != stateReady {
			r.state = stateFailed
		}
	}()

	r.address = address
	r.name = name
	r.moduleInfo = fmt.Sprintf(", module %s, address %#x", name, address)

	ident, err := readTaskMemory(mem, address, 4)
	if err != nil {
		return errors.Wrap(err, "failed to read magic"+r.moduleInfo)
	}

	// The magic identifies both the image's word size and its byte
	// order: Magic32 and Magic64 differ only in the low bit.
	be := binary.BigEndian.Uint32(ident)
	le := binary.LittleEndian.Uint32(ident)
	switch uint32(types.Magic32) &^ 1 {
	case be &^ 1:
		r.byteOrder = binary.BigEndian
		r.magic = types.Magic(be)
	case le &^ 1:
		r.byteOrder = binary.LittleEndian
		r.magic = types.Magic(le)
	default:
		return &FormatError{address, "invalid magic number" + r.moduleInfo, ident}
	}
	r.is64 = r.magic == types.Magic64

	hdrSize := uint64(types.FileHeaderSize32)
	if r.is64 {
		hdrSize = types.FileHeaderSize64
	}
	dat, err := readTaskMemory(mem, address, hdrSize)
	if err != nil {
		return errors.Wrap(err, "failed to read file header"+r.moduleInfo)
	}
	bo := r.byteOrder
	// The 32-bit header lacks the trailing reserved word, so the
	// header is decoded field by field rather than in one shot.
	hdr := types.FileHeader{
		Magic:        types.Magic(bo.Uint32(dat[0:4])),
		CPU:          types.CPU(bo.Uint32(dat[4:8])),
		SubCPU:       types.CPUSubtype(bo.Uint32(dat[8:12])),
		Type:         types.HeaderFileType(bo.Uint32(dat[12:16])),
		NCommands:    bo.Uint32(dat[16:20]),
		SizeCommands: bo.Uint32(dat[20:24]),
		Flags:        types.HeaderFlag(bo.Uint32(dat[24:28])),
	}
	r.fileType = hdr.Type

	cmdAddr := address + hdrSize
	tableEnd := cmdAddr + uint64(hdr.SizeCommands)
	for i := uint32(0); i < hdr.NCommands; i++ {
		if cmdAddr+8 > tableEnd {
			return &FormatError{cmdAddr,
				fmt.Sprintf("load command %d/%d runs past the command table%s", i+1, hdr.NCommands, r.moduleInfo), nil}
		}
		pre, err := readTaskMemory(mem, cmdAddr, 8)
		if err != nil {
			return errors.Wrapf(err, "failed to read load command %d/%d%s", i+1, hdr.NCommands, r.moduleInfo)
		}
		cmd := types.LoadCmd(bo.Uint32(pre[0:4]))
		cmdsize := bo.Uint32(pre[4:8])
		info := fmt.Sprintf("%s %d/%d at %#x%s", cmd, i+1, hdr.NCommands, cmdAddr, r.moduleInfo)
		if cmdsize < 8 {
			return &FormatError{cmdAddr, "invalid size for " + info, cmdsize}
		}
		if cmdAddr+uint64(cmdsize) > tableEnd {
			return &FormatError{cmdAddr, info + " runs past the command table", cmdsize}
		}

		switch cmd {
		case types.LC_SEGMENT, types.LC_SEGMENT_64:
			err = r.readSegmentCommand(cmdAddr, cmdsize, info)
		case types.LC_SYMTAB:
			err = r.readSymTabCommand(cmdAddr, cmdsize, info)
		case types.LC_DYSYMTAB:
			err = r.readDySymTabCommand(cmdAddr, cmdsize, info)
		case types.LC_ID_DYLIB:
			err = r.readIdDylibCommand(cmdAddr, cmdsize, info)
		case types.LC_LOAD_DYLINKER, types.LC_ID_DYLINKER:
			err = r.readDylinkerCommand(cmdAddr, cmdsize, cmd, info)
		case types.LC_UUID:
			err = r.readUUIDCommand(cmdAddr, cmdsize, info)
		case types.LC_SOURCE_VERSION:
			err = r.readSourceVersionCommand(cmdAddr, cmdsize, info)
		default:
			// New load commands appear as the format evolves. Anything
			// unrecognized is skipped by its declared size.
			log.Debugf("skipping unhandled %s", info)
		}
		if err != nil {
			return err
		}
		cmdAddr += uint64(cmdsize)
	}

	// Anchor the image on its lowest-address segment with contents,
	// first in file order among ties. By convention this is __TEXT.
	anchor := -1
	for i, seg := range r.segments {
		if seg.FileSize() == 0 {
			continue
		}
		if anchor < 0 || seg.VMAddr() < r.segments[anchor].VMAddr() {
			anchor = i
		}
	}
	if anchor < 0 {
		return &FormatError{address, "no usable base segment" + r.moduleInfo, nil}
	}
	r.slide = r.address - r.segments[anchor].VMAddr()
	_, r.size = r.segmentAddressSize(anchor)

	r.state = stateReady
	return nil
}

func (r *ImageReader) readSegmentCommand(addr uint64, cmdsize uint32, info string) error {
	seg := new(SegmentReader)
	if err := seg.Initialize(r.mem, r.byteOrder, r.is64, addr, cmdsize, info); err != nil {
		return err
	}
	// Segment names are not guaranteed unique. The first occurrence
	// wins for name lookups; later duplicates remain reachable by
	// section index.
	if _, ok := r.segmentMap[seg.Name()]; !ok {
		r.segmentMap[seg.Name()] = len(r.segments)
	}
	r.segments = append(r.segments, seg)
	return nil
}

// loadCommander is implemented by every load command structure via its
// embedded LoadCmd.
type loadCommander interface {
	Command() types.LoadCmd
}

// readLoadCommand reads a fixed-size load command into v. The target
// may change under the reader, so the type tag and declared size are
// verified again against what the dispatch pass saw.
func (r *ImageReader) readLoadCommand(addr uint64, cmdsize uint32, expect types.LoadCmd, v loadCommander, info string) error {
	if want := uint32(binary.Size(v)); cmdsize < want {
		return &FormatError{addr, fmt.Sprintf("%s too small, need %d bytes, have", info, want), cmdsize}
	}
	if err := readTaskStruct(r.mem, addr, r.byteOrder, v); err != nil {
		return errors.Wrap(err, "failed to read "+info)
	}
	if got := v.Command(); got != expect {
		return &FormatError{addr, "load command changed during read of " + info, got}
	}
	return nil
}

func (r *ImageReader) readSymTabCommand(addr uint64, cmdsize uint32, info string) error {
	if r.symtab != nil {
		return &FormatError{addr, "duplicate " + info, nil}
	}
	cmd := new(types.SymtabCmd)
	if err := r.readLoadCommand(addr, cmdsize, types.LC_SYMTAB, cmd, info); err != nil {
		return err
	}
	r.symtab = cmd
	return nil
}

func (r *ImageReader) readDySymTabCommand(addr uint64, cmdsize uint32, info string) error {
	if r.dysymtab != nil {
		return &FormatError{addr, "duplicate " + info, nil}
	}
	cmd := new(types.DysymtabCmd)
	if err := r.readLoadCommand(addr, cmdsize, types.LC_DYSYMTAB, cmd, info); err != nil {
		return err
	}
	r.dysymtab = cmd
	return nil
}

func (r *ImageReader) readIdDylibCommand(addr uint64, cmdsize uint32, info string) error {
	if r.fileType != types.MH_DYLIB {
		return &FormatError{addr,
			fmt.Sprintf("%s inappropriate in file of type %s", info, r.fileType), nil}
	}
	if r.idDylib != nil {
		return &FormatError{addr, "duplicate " + info, nil}
	}
	cmd := new(types.DylibCmd)
	if err := r.readLoadCommand(addr, cmdsize, types.LC_ID_DYLIB, cmd, info); err != nil {
		return err
	}
	r.idDylib = cmd
	return nil
}

func (r *ImageReader) readDylinkerCommand(addr uint64, cmdsize uint32, cmd types.LoadCmd, info string) error {
	// The dynamic linker identifies itself with LC_ID_DYLINKER; every
	// other file type that references a dynamic linker names it with
	// LC_LOAD_DYLINKER.
	expect := types.LC_LOAD_DYLINKER
	if r.fileType == types.MH_DYLINKER {
		expect = types.LC_ID_DYLINKER
	}
	if cmd != expect {
		return &FormatError{addr,
			fmt.Sprintf("%s inappropriate in file of type %s", info, r.fileType), nil}
	}
	var hdr types.DylinkerCmd
	if want := uint32(binary.Size(&hdr)); cmdsize < want {
		return &FormatError{addr, fmt.Sprintf("%s too small, need %d bytes, have", info, want), cmdsize}
	}
	cmddat, err := readTaskMemory(r.mem, addr, uint64(cmdsize))
	if err != nil {
		return errors.Wrap(err, "failed to read "+info)
	}
	if err := binary.Read(bytes.NewReader(cmddat), r.byteOrder, &hdr); err != nil {
		return errors.Wrap(err, "failed to decode "+info)
	}
	if got := hdr.Command(); got != expect {
		return &FormatError{addr, "load command changed during read of " + info, got}
	}
	if hdr.Name >= cmdsize {
		return &FormatError{addr, "invalid name offset in " + info, hdr.Name}
	}
	r.dylinkerName = cstring(cmddat[hdr.Name:])
	return nil
}

func (r *ImageReader) readUUIDCommand(addr uint64, cmdsize uint32, info string) error {
	cmd := new(types.UUIDCmd)
	if err := r.readLoadCommand(addr, cmdsize, types.LC_UUID, cmd, info); err != nil {
		return err
	}
	r.uuid = cmd.UUID
	return nil
}

func (r *ImageReader) readSourceVersionCommand(addr uint64, cmdsize uint32, info string) error {
	cmd := new(types.SourceVersionCmd)
	if err := r.readLoadCommand(addr, cmdsize, types.LC_SOURCE_VERSION, cmd, info); err != nil {
		return err
	}
	r.sourceVersion = cmd.Version
	return nil
}

func (r *ImageReader) checkReady(method string) {
	if r.state != stateReady {
		panic("macho: " + method + " called before successful Initialize")
	}
}

// segmentActualAddress returns the address the segment occupies in the
// target.
func (r *ImageReader) segmentActualAddress(i int) uint64 {
	seg := r.segments[i]
	if seg.SegmentSlides() {
		return seg.VMAddr() + r.slide
	}
	return seg.VMAddr()
}

// segmentAddressSize returns the actual address and size of the
// segment at index i. A non-sliding segment stays at its preferred
// address and grows to fill the space up to the next segment's actual
// start; when it is the last segment it grows by the slide.
func (r *ImageReader) segmentAddressSize(i int) (uint64, uint64) {
	seg := r.segments[i]
	addr := r.segmentActualAddress(i)
	size := seg.VMSize()
	if seg.SegmentSlides() {
		return addr, size
	}
	if i+1 < len(r.segments) {
		if next := r.segmentActualAddress(i + 1); next > addr && next-addr > size {
			size = next - addr
		}
	} else {
		size += r.slide
	}
	return addr, size
}

// FileType returns the MH_* file type from the image's header.
func (r *ImageReader) FileType() types.HeaderFileType {
	r.checkReady("FileType")
	return r.fileType
}

// Is64 reports whether the image uses the 64-bit Mach-O format.
func (r *ImageReader) Is64() bool {
	r.checkReady("Is64")
	return r.is64
}

// Address returns the address the image's header is mapped at in the
// target.
func (r *ImageReader) Address() uint64 {
	r.checkReady("Address")
	return r.address
}

// Size returns the mapped size of the image's base segment, including
// any growth a non-sliding segment experiences when the image slides.
// It is not the image's total mapped footprint; segments may be
// scattered.
func (r *ImageReader) Size() uint64 {
	r.checkReady("Size")
	return r.size
}

// Slide returns the difference between the address the image is mapped
// at and its preferred load address. Adding Slide to any preferred
// address in the image recovers the actual address.
func (r *ImageReader) Slide() uint64 {
	r.checkReady("Slide")
	return r.slide
}

// Name returns the module pathname the reader was initialized with.
func (r *ImageReader) Name() string {
	r.checkReady("Name")
	return r.name
}

// Segments returns the image's segments in load command order.
func (r *ImageReader) Segments() []*SegmentReader {
	r.checkReady("Segments")
	return r.segments
}

// GetSegmentByName returns the named segment along with the actual
// address and size it occupies in the target, or nil if the image has
// no segment with that name. Duplicate names resolve to the first
// occurrence in load command order.
func (r *ImageReader) GetSegmentByName(name string) (*SegmentReader, uint64, uint64) {
	r.checkReady("GetSegmentByName")
	i, ok := r.segmentMap[name]
	if !ok {
		return nil, 0, 0
	}
	addr, size := r.segmentAddressSize(i)
	return r.segments[i], addr, size
}

// GetSectionByName returns the named section of the named segment
// along with its actual address, or nil if either name does not
// resolve.
func (r *ImageReader) GetSectionByName(segmentName, sectionName string) (*Section, uint64) {
	r.checkReady("GetSectionByName")
	i, ok := r.segmentMap[segmentName]
	if !ok {
		return nil, 0
	}
	sect := r.segments[i].GetSectionByName(sectionName)
	if sect == nil {
		return nil, 0
	}
	return sect, sect.Addr + r.slide
}

// GetSectionAtIndex returns the section at index along with its actual
// address. Indices are 1-based and run across all segments in load
// command order, matching the n_sect convention of the symbol table.
// An out-of-range index, including 0, is not a caller error; it
// returns nil with a warning logged, because symbol table entries in a
// corrupt image can carry any value.
func (r *ImageReader) GetSectionAtIndex(index uint32) (*Section, uint64) {
	r.checkReady("GetSectionAtIndex")
	if index == 0 {
		log.Warnf("section index 0 out of range%s", r.moduleInfo)
		return nil, 0
	}
	i := index - 1
	for _, seg := range r.segments {
		n := seg.Nsects()
		if i < n {
			sect := seg.GetSectionAtIndex(i)
			return sect, sect.Addr + r.slide
		}
		i -= n
	}
	log.Warnf("section index %d out of range%s", index, r.moduleInfo)
	return nil, 0
}

// UUID returns the image's unique identifier from LC_UUID, or the null
// UUID if the image carries none.
func (r *ImageReader) UUID() types.UUID {
	r.checkReady("UUID")
	return r.uuid
}

// SourceVersion returns the source version from LC_SOURCE_VERSION, or
// 0 if the image carries none.
func (r *ImageReader) SourceVersion() types.SrcVersion {
	r.checkReady("SourceVersion")
	return r.sourceVersion
}

// DylinkerName returns the dynamic linker pathname from
// LC_LOAD_DYLINKER or LC_ID_DYLINKER, or the empty string if the
// image carries neither.
func (r *ImageReader) DylinkerName() string {
	r.checkReady("DylinkerName")
	return r.dylinkerName
}

// DylibVersion returns the shared library's current version from
// LC_ID_DYLIB, or 0 if the library carries no such command. It may
// only be called on an image of type MH_DYLIB.
func (r *ImageReader) DylibVersion() types.Version {
	r.checkReady("DylibVersion")
	if r.fileType != types.MH_DYLIB {
		panic("macho: DylibVersion called on file of type " + r.fileType.String())
	}
	if r.idDylib == nil {
		return 0
	}
	return r.idDylib.CurrentVersion
}

// SymtabCommand returns the image's LC_SYMTAB command, or nil if the
// image carries none.
func (r *ImageReader) SymtabCommand() *types.SymtabCmd {
	r.checkReady("SymtabCommand")
	return r.symtab
}

// DysymtabCommand returns the image's LC_DYSYMTAB command, or nil if
// the image carries none.
func (r *ImageReader) DysymtabCommand() *types.DysymtabCmd {
	r.checkReady("DysymtabCommand")
	return r.dysymtab
}

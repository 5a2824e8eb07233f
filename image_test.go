package macho

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/appsworld/go-macho-remote/types"
)

// fakeTaskMemory serves reads out of a byte slice mapped at base.
// Reads outside the mapping fail, the way reads of an unmapped range
// in a real task do.
type fakeTaskMemory struct {
	base uint64
	data []byte
}

func (m *fakeTaskMemory) ReadMemory(addr uint64, buf []byte) (int, error) {
	if addr < m.base || addr-m.base+uint64(len(buf)) > uint64(len(m.data)) {
		return 0, fmt.Errorf("unmapped read of %d bytes at %#x", len(buf), addr)
	}
	return copy(buf, m.data[addr-m.base:]), nil
}

// imageBuilder assembles a synthetic Mach-O image, header plus load
// command stream, for feeding to an ImageReader through fakeTaskMemory.
type imageBuilder struct {
	bo       binary.ByteOrder
	is64     bool
	fileType types.HeaderFileType
	cmds     [][]byte

	// when >= 0, override the values derived from cmds
	ncmds      int
	sizeofcmds int
}

func newImageBuilder(fileType types.HeaderFileType) *imageBuilder {
	return &imageBuilder{
		bo:         binary.LittleEndian,
		is64:       true,
		fileType:   fileType,
		ncmds:      -1,
		sizeofcmds: -1,
	}
}

func segName(s string) (n [16]byte) {
	copy(n[:], s)
	return
}

// raw appends one load command built by concatenating the encodings of
// its arguments.
func (b *imageBuilder) raw(v ...interface{}) *imageBuilder {
	var buf bytes.Buffer
	for _, x := range v {
		if err := binary.Write(&buf, b.bo, x); err != nil {
			panic(err)
		}
	}
	b.cmds = append(b.cmds, buf.Bytes())
	return b
}

func (b *imageBuilder) segment64(name string, addr, size, fileoff, filesz uint64, prot types.VmProtection, sects ...types.Section64) *imageBuilder {
	seg := types.Segment64{
		LoadCmd: types.LC_SEGMENT_64,
		Len:     uint32(72 + len(sects)*80),
		Name:    segName(name),
		Addr:    addr,
		Memsz:   size,
		Offset:  fileoff,
		Filesz:  filesz,
		Maxprot: prot,
		Prot:    prot,
		Nsect:   uint32(len(sects)),
	}
	parts := []interface{}{seg}
	for _, s := range sects {
		parts = append(parts, s)
	}
	return b.raw(parts...)
}

func (b *imageBuilder) segment32(name string, addr, size, fileoff, filesz uint32, prot types.VmProtection, sects ...types.Section32) *imageBuilder {
	seg := types.Segment32{
		LoadCmd: types.LC_SEGMENT,
		Len:     uint32(56 + len(sects)*68),
		Name:    segName(name),
		Addr:    addr,
		Memsz:   size,
		Offset:  fileoff,
		Filesz:  filesz,
		Maxprot: prot,
		Prot:    prot,
		Nsect:   uint32(len(sects)),
	}
	parts := []interface{}{seg}
	for _, s := range sects {
		parts = append(parts, s)
	}
	return b.raw(parts...)
}

// text64 appends a conventional __TEXT segment with one __text section
// at addr+0x100.
func (b *imageBuilder) text64(addr uint64) *imageBuilder {
	return b.segment64("__TEXT", addr, 0x4000, 0, 0x4000, types.VmProtection(5),
		section64("__TEXT", "__text", addr+0x100, 0x50))
}

func (b *imageBuilder) pagezero64(size uint64) *imageBuilder {
	return b.segment64("__PAGEZERO", 0, size, 0, 0, 0)
}

func (b *imageBuilder) dylinker(cmd types.LoadCmd, path string) *imageBuilder {
	name := append([]byte(path), 0)
	for len(name)%4 != 0 {
		name = append(name, 0)
	}
	return b.raw(types.DylinkerCmd{LoadCmd: cmd, Len: uint32(12 + len(name)), Name: 12}, name)
}

func (b *imageBuilder) build(base uint64) *fakeTaskMemory {
	var cmds bytes.Buffer
	for _, c := range b.cmds {
		cmds.Write(c)
	}
	ncmds := len(b.cmds)
	if b.ncmds >= 0 {
		ncmds = b.ncmds
	}
	sizeofcmds := cmds.Len()
	if b.sizeofcmds >= 0 {
		sizeofcmds = b.sizeofcmds
	}

	magic, cpu := types.Magic32, types.CPU386
	if b.is64 {
		magic, cpu = types.Magic64, types.CPUAmd64
	}
	var buf bytes.Buffer
	w := func(v uint32) { binary.Write(&buf, b.bo, v) }
	w(uint32(magic))
	w(uint32(cpu))
	w(3) // CPU_SUBTYPE_X86_ALL
	w(uint32(b.fileType))
	w(uint32(ncmds))
	w(uint32(sizeofcmds))
	w(0) // flags
	if b.is64 {
		w(0)
	}
	buf.Write(cmds.Bytes())
	return &fakeTaskMemory{base: base, data: buf.Bytes()}
}

func section64(seg, name string, addr, size uint64) types.Section64 {
	return types.Section64{
		Name:  segName(name),
		Seg:   segName(seg),
		Addr:  addr,
		Size:  size,
		Align: 4,
	}
}

func section32(seg, name string, addr, size uint32) types.Section32 {
	return types.Section32{
		Name:  segName(name),
		Seg:   segName(seg),
		Addr:  addr,
		Size:  size,
		Align: 2,
	}
}

func mustInitialize(t *testing.T, mem TaskMemory, base uint64) *ImageReader {
	t.Helper()
	r := NewImageReader()
	if err := r.Initialize(mem, base, "test"); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return r
}

func TestExecutableImage(t *testing.T) {
	uuid := types.UUID{0x0b, 0x8e, 0x95, 0x21, 0x20, 0x2f, 0x39, 0x77,
		0x95, 0x88, 0x27, 0x2d, 0x1c, 0xd0, 0x2d, 0x1f}
	srcVer := types.SrcVersion(1<<40 | 2<<30 | 3<<20)
	symtab := types.SymtabCmd{LoadCmd: types.LC_SYMTAB, Len: 24, Symoff: 0x5000, Nsyms: 10, Stroff: 0x5500, Strsize: 0x200}
	dysymtab := types.DysymtabCmd{LoadCmd: types.LC_DYSYMTAB, Len: 80, Iextdefsym: 2, Nextdefsym: 8}

	const preferred = 0x100000000
	const base = preferred + 0x1000
	b := newImageBuilder(types.MH_EXECUTE).
		pagezero64(preferred).
		text64(preferred).
		segment64("__DATA", preferred+0x4000, 0x1000, 0x4000, 0x1000, types.VmProtection(3),
			section64("__DATA", "__data", preferred+0x4000, 0x80)).
		raw(types.UUIDCmd{LoadCmd: types.LC_UUID, Len: 24, UUID: uuid}).
		dylinker(types.LC_LOAD_DYLINKER, "/usr/lib/dyld").
		raw(types.SourceVersionCmd{LoadCmd: types.LC_SOURCE_VERSION, Len: 16, Version: srcVer}).
		raw(symtab).
		raw(dysymtab)

	r := mustInitialize(t, b.build(base), base)

	if got := r.FileType(); got != types.MH_EXECUTE {
		t.Errorf("FileType() = %v, want MH_EXECUTE", got)
	}
	if !r.Is64() {
		t.Error("Is64() = false, want true")
	}
	if got := r.Address(); got != base {
		t.Errorf("Address() = %#x, want %#x", got, base)
	}
	if got := r.Slide(); got != 0x1000 {
		t.Errorf("Slide() = %#x, want 0x1000", got)
	}
	if got := r.Size(); got != 0x4000 {
		t.Errorf("Size() = %#x, want 0x4000", got)
	}

	seg, addr, size := r.GetSegmentByName("__TEXT")
	if seg == nil {
		t.Fatal("GetSegmentByName(__TEXT) = nil")
	}
	if addr != base || size != 0x4000 {
		t.Errorf("__TEXT at %#x size %#x, want %#x size 0x4000", addr, size, base)
	}
	if seg, _, _ := r.GetSegmentByName("__NONE"); seg != nil {
		t.Errorf("GetSegmentByName(__NONE) = %v, want nil", seg)
	}

	sect, addr := r.GetSectionByName("__TEXT", "__text")
	if sect == nil {
		t.Fatal("GetSectionByName(__TEXT, __text) = nil")
	}
	if want := uint64(preferred + 0x100 + 0x1000); addr != want {
		t.Errorf("__text at %#x, want %#x", addr, want)
	}
	if sect, _ := r.GetSectionByName("__TEXT", "__none"); sect != nil {
		t.Errorf("GetSectionByName(__TEXT, __none) = %v, want nil", sect)
	}
	if sect, _ := r.GetSectionByName("__NONE", "__text"); sect != nil {
		t.Errorf("GetSectionByName(__NONE, __text) = %v, want nil", sect)
	}

	// Section indices are 1-based across segments in load command
	// order.
	if sect, _ := r.GetSectionAtIndex(1); sect == nil || sect.Name != "__text" {
		t.Errorf("GetSectionAtIndex(1) = %v, want __text", sect)
	}
	if sect, _ := r.GetSectionAtIndex(2); sect == nil || sect.Name != "__data" {
		t.Errorf("GetSectionAtIndex(2) = %v, want __data", sect)
	}

	if got := r.UUID(); got != uuid {
		t.Errorf("UUID() = %v, want %v", got, uuid)
	}
	if got := r.DylinkerName(); got != "/usr/lib/dyld" {
		t.Errorf("DylinkerName() = %q, want /usr/lib/dyld", got)
	}
	if got := r.SourceVersion(); got != srcVer {
		t.Errorf("SourceVersion() = %v, want %v", got, srcVer)
	}
	if diff := cmp.Diff(&symtab, r.SymtabCommand()); diff != "" {
		t.Errorf("SymtabCommand() mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(&dysymtab, r.DysymtabCommand()); diff != "" {
		t.Errorf("DysymtabCommand() mismatch (-want +got):\n%s", diff)
	}
}

func Test32BitImage(t *testing.T) {
	const base = 0x2000
	b := newImageBuilder(types.MH_EXECUTE)
	b.is64 = false
	b.segment32("__TEXT", 0x1000, 0x1000, 0, 0x1000, types.VmProtection(5),
		section32("__TEXT", "__text", 0x1100, 0x40))

	r := mustInitialize(t, b.build(base), base)
	if r.Is64() {
		t.Error("Is64() = true, want false")
	}
	if got := r.Slide(); got != 0x1000 {
		t.Errorf("Slide() = %#x, want 0x1000", got)
	}
	if sect, addr := r.GetSectionAtIndex(1); sect == nil || addr != 0x2100 {
		t.Errorf("GetSectionAtIndex(1) = %v at %#x, want __text at 0x2100", sect, addr)
	}
}

func TestBigEndianImage(t *testing.T) {
	const base = 0x3000
	b := newImageBuilder(types.MH_EXECUTE)
	b.is64 = false
	b.bo = binary.BigEndian
	b.segment32("__TEXT", 0x1000, 0x1000, 0, 0x1000, types.VmProtection(5))

	r := mustInitialize(t, b.build(base), base)
	if got := r.Slide(); got != 0x2000 {
		t.Errorf("Slide() = %#x, want 0x2000", got)
	}
}

func TestNegativeSlide(t *testing.T) {
	// An image mapped below its preferred address still round-trips
	// addresses through the slide.
	const preferred = 0x100000000
	const base = 0x10000
	b := newImageBuilder(types.MH_EXECUTE).text64(preferred)

	r := mustInitialize(t, b.build(base), base)
	if _, addr := r.GetSectionByName("__TEXT", "__text"); addr != base+0x100 {
		t.Errorf("__text at %#x, want %#x", addr, base+0x100)
	}
	if got := preferred + r.Slide(); got != base {
		t.Errorf("preferred + slide = %#x, want %#x", got, base)
	}
}

func TestBadMagic(t *testing.T) {
	mem := &fakeTaskMemory{base: 0x1000, data: []byte{0x7f, 'E', 'L', 'F', 0, 0, 0, 0}}
	err := NewImageReader().Initialize(mem, 0x1000, "test")
	if _, ok := err.(*FormatError); !ok {
		t.Errorf("Initialize = %v, want FormatError", err)
	}
}

func TestUnmappedHeader(t *testing.T) {
	mem := &fakeTaskMemory{base: 0x1000, data: make([]byte, 0x100)}
	if err := NewImageReader().Initialize(mem, 0x8000, "test"); err == nil {
		t.Error("Initialize succeeded on unmapped address")
	}
}

func TestNonSlidingSegmentGrows(t *testing.T) {
	// __PAGEZERO declares 0x1000 bytes but the next segment's actual
	// start is at base, so it reports the grown size.
	const base = 0x5000
	b := newImageBuilder(types.MH_EXECUTE).
		pagezero64(0x1000).
		text64(0x4000)

	r := mustInitialize(t, b.build(base), base)
	if got := r.Slide(); got != 0x1000 {
		t.Fatalf("Slide() = %#x, want 0x1000", got)
	}
	seg, addr, size := r.GetSegmentByName("__PAGEZERO")
	if seg == nil {
		t.Fatal("GetSegmentByName(__PAGEZERO) = nil")
	}
	if seg.SegmentSlides() {
		t.Error("SegmentSlides() = true for __PAGEZERO")
	}
	if addr != 0 || size != base {
		t.Errorf("__PAGEZERO at %#x size %#x, want 0 size %#x", addr, size, base)
	}
}

func TestNonSlidingLastSegmentGrowsBySlide(t *testing.T) {
	const base = 0x5000
	b := newImageBuilder(types.MH_EXECUTE).
		text64(0x4000).
		pagezero64(0x1000)

	r := mustInitialize(t, b.build(base), base)
	if _, _, size := r.GetSegmentByName("__PAGEZERO"); size != 0x1000+r.Slide() {
		t.Errorf("__PAGEZERO size = %#x, want %#x", size, 0x1000+r.Slide())
	}
}

func TestDuplicateSegmentNames(t *testing.T) {
	const base = 0x1000
	b := newImageBuilder(types.MH_EXECUTE).
		text64(base).
		segment64("__DATA", base+0x4000, 0x1000, 0x4000, 0x1000, types.VmProtection(3),
			section64("__DATA", "__data", base+0x4000, 0x10)).
		segment64("__DATA", base+0x5000, 0x1000, 0x5000, 0x1000, types.VmProtection(3),
			section64("__DATA", "__bss", base+0x5000, 0x10))

	r := mustInitialize(t, b.build(base), base)
	seg, addr, _ := r.GetSegmentByName("__DATA")
	if seg == nil || addr != base+0x4000 {
		t.Errorf("GetSegmentByName(__DATA) at %#x, want first occurrence at %#x", addr, base+0x4000)
	}
	// The duplicate stays reachable through the global section index.
	if sect, _ := r.GetSectionAtIndex(3); sect == nil || sect.Name != "__bss" {
		t.Errorf("GetSectionAtIndex(3) = %v, want __bss", sect)
	}
}

func TestSectionIndexOutOfRange(t *testing.T) {
	const base = 0x1000
	r := mustInitialize(t, newImageBuilder(types.MH_EXECUTE).text64(base).build(base), base)
	if sect, _ := r.GetSectionAtIndex(0); sect != nil {
		t.Errorf("GetSectionAtIndex(0) = %v, want nil", sect)
	}
	if sect, _ := r.GetSectionAtIndex(2); sect != nil {
		t.Errorf("GetSectionAtIndex(2) = %v, want nil", sect)
	}
}

func TestUnknownCommandSkipped(t *testing.T) {
	const base = 0x1000
	b := newImageBuilder(types.MH_EXECUTE).
		text64(base).
		raw(types.LoadCmd(0x999), uint32(16), uint64(0))
	r := mustInitialize(t, b.build(base), base)
	if got := r.Slide(); got != 0 {
		t.Errorf("Slide() = %#x, want 0", got)
	}
}

func TestTruncatedCommandTable(t *testing.T) {
	const base = 0x1000
	b := newImageBuilder(types.MH_EXECUTE).text64(base)
	b.sizeofcmds = 16 // less than the segment command declares
	err := NewImageReader().Initialize(b.build(base), base, "test")
	if err == nil || !strings.Contains(err.Error(), "runs past the command table") {
		t.Errorf("Initialize = %v, want command table overrun", err)
	}
}

func TestCommandSizeTooSmall(t *testing.T) {
	const base = 0x1000
	b := newImageBuilder(types.MH_EXECUTE).
		text64(base).
		raw(types.LC_UUID, uint32(4))
	if err := NewImageReader().Initialize(b.build(base), base, "test"); err == nil {
		t.Error("Initialize succeeded with cmdsize 4")
	}
}

func TestDuplicateSymtab(t *testing.T) {
	const base = 0x1000
	symtab := types.SymtabCmd{LoadCmd: types.LC_SYMTAB, Len: 24}
	b := newImageBuilder(types.MH_EXECUTE).text64(base).raw(symtab).raw(symtab)
	err := NewImageReader().Initialize(b.build(base), base, "test")
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("Initialize = %v, want duplicate LC_SYMTAB", err)
	}
}

func TestNoUsableBaseSegment(t *testing.T) {
	const base = 0x1000
	b := newImageBuilder(types.MH_EXECUTE).pagezero64(0x1000)
	if err := NewImageReader().Initialize(b.build(base), base, "test"); err == nil {
		t.Error("Initialize succeeded without a segment with contents")
	}
}

func TestMissingOptionalCommands(t *testing.T) {
	const base = 0x1000
	r := mustInitialize(t, newImageBuilder(types.MH_EXECUTE).text64(base).build(base), base)
	if !r.UUID().IsNull() {
		t.Errorf("UUID() = %v, want null", r.UUID())
	}
	if got := r.SourceVersion(); got != 0 {
		t.Errorf("SourceVersion() = %v, want 0", got)
	}
	if got := r.DylinkerName(); got != "" {
		t.Errorf("DylinkerName() = %q, want empty", got)
	}
	if r.SymtabCommand() != nil || r.DysymtabCommand() != nil {
		t.Error("symbol table commands present in image without them")
	}
}

func TestIdDylib(t *testing.T) {
	const base = 0x1000
	idDylib := func(version types.Version) []byte {
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, types.DylibCmd{
			LoadCmd: types.LC_ID_DYLIB, Len: 40, Name: 24, CurrentVersion: version,
		})
		buf.WriteString("libt.dylib\x00\x00\x00\x00\x00\x00")
		return buf.Bytes()
	}

	b := newImageBuilder(types.MH_DYLIB).text64(base)
	b.cmds = append(b.cmds, idDylib(0x10203))
	r := mustInitialize(t, b.build(base), base)
	if got := r.DylibVersion(); got != 0x10203 {
		t.Errorf("DylibVersion() = %#x, want 0x10203", got)
	}

	// A dylib without LC_ID_DYLIB reports version 0.
	r = mustInitialize(t, newImageBuilder(types.MH_DYLIB).text64(base).build(base), base)
	if got := r.DylibVersion(); got != 0 {
		t.Errorf("DylibVersion() = %#x, want 0", got)
	}

	// LC_ID_DYLIB is only valid in a dylib.
	b = newImageBuilder(types.MH_EXECUTE).text64(base)
	b.cmds = append(b.cmds, idDylib(1))
	if err := NewImageReader().Initialize(b.build(base), base, "test"); err == nil {
		t.Error("Initialize accepted LC_ID_DYLIB in an executable")
	}

	// DylibVersion is a contract violation on other file types.
	r = mustInitialize(t, newImageBuilder(types.MH_EXECUTE).text64(base).build(base), base)
	func() {
		defer func() {
			if recover() == nil {
				t.Error("DylibVersion on an executable did not panic")
			}
		}()
		r.DylibVersion()
	}()
}

func TestDylinkerCommandLegality(t *testing.T) {
	const base = 0x1000
	tests := []struct {
		fileType types.HeaderFileType
		cmd      types.LoadCmd
		ok       bool
	}{
		{types.MH_EXECUTE, types.LC_LOAD_DYLINKER, true},
		{types.MH_EXECUTE, types.LC_ID_DYLINKER, false},
		{types.MH_DYLINKER, types.LC_ID_DYLINKER, true},
		{types.MH_DYLINKER, types.LC_LOAD_DYLINKER, false},
	}
	for _, tt := range tests {
		b := newImageBuilder(tt.fileType).text64(base).dylinker(tt.cmd, "/usr/lib/dyld")
		err := NewImageReader().Initialize(b.build(base), base, "test")
		if tt.ok && err != nil {
			t.Errorf("%v in %v: Initialize = %v, want success", tt.cmd, tt.fileType, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%v in %v: Initialize succeeded, want failure", tt.cmd, tt.fileType)
		}
	}
}

func TestQueryBeforeInitializePanics(t *testing.T) {
	r := NewImageReader()
	defer func() {
		if recover() == nil {
			t.Error("query on uninitialized reader did not panic")
		}
	}()
	r.Slide()
}

func TestReinitializePanics(t *testing.T) {
	const base = 0x1000
	mem := newImageBuilder(types.MH_EXECUTE).text64(base).build(base)
	r := mustInitialize(t, mem, base)
	defer func() {
		if recover() == nil {
			t.Error("second Initialize did not panic")
		}
	}()
	r.Initialize(mem, base, "test")
}

func TestFailedReaderStaysFailed(t *testing.T) {
	mem := &fakeTaskMemory{base: 0x1000, data: []byte{0, 0, 0, 0}}
	r := NewImageReader()
	if err := r.Initialize(mem, 0x1000, "test"); err == nil {
		t.Fatal("Initialize succeeded on garbage")
	}
	defer func() {
		if recover() == nil {
			t.Error("query on failed reader did not panic")
		}
	}()
	r.FileType()
}

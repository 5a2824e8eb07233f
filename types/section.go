package types

type SectionFlag uint32

const (
	SectionType       SectionFlag = 0x000000ff /* 256 section types */
	SectionAttributes SectionFlag = 0xffffff00 /*  24 section attributes */
)

const (
	/* Constants for the type of a section */
	Regular         SectionFlag = 0x0 /* regular section */
	Zerofill        SectionFlag = 0x1 /* zero fill on demand section */
	CstringLiterals SectionFlag = 0x2 /* section with only literal C strings*/
)

const (
	/* Constants for the section attributes part of the flags field of a section structure. */
	PureInstructions SectionFlag = 0x80000000 /* section contains only true machine instructions */
	SomeInstructions SectionFlag = 0x00000400 /* section contains some machine instructions */
)

func (f SectionFlag) Type() SectionFlag {
	return f & SectionType
}

func (f SectionFlag) IsRegular() bool {
	return f.Type() == Regular
}

func (f SectionFlag) IsZerofill() bool {
	return f.Type() == Zerofill
}

func (f SectionFlag) IsCstringLiterals() bool {
	return f.Type() == CstringLiterals
}

func (f SectionFlag) IsPureInstructions() bool {
	return (f & PureInstructions) != 0
}

// A Section32 is a 32-bit Mach-O section header.
type Section32 struct {
	Name     [16]byte
	Seg      [16]byte
	Addr     uint32
	Size     uint32
	Offset   uint32
	Align    uint32
	Reloff   uint32
	Nreloc   uint32
	Flags    SectionFlag
	Reserve1 uint32
	Reserve2 uint32
}

// A Section64 is a 64-bit Mach-O section header.
type Section64 struct {
	Name     [16]byte
	Seg      [16]byte
	Addr     uint64
	Size     uint64
	Offset   uint32
	Align    uint32
	Reloff   uint32
	Nreloc   uint32
	Flags    SectionFlag
	Reserve1 uint32
	Reserve2 uint32
	Reserve3 uint32
}

package domain

// FigureRef points at an image extracted from an office document. Offset is
// the byte position of the inline marker within the item text.
type FigureRef struct {
	FigureID string
	ImageRef string
	Filename string
	Caption  string
	Offset   int
}

// ItemMetadata carries loader-attached, format-specific metadata.
type ItemMetadata struct {
	Source      string
	ContentType string
	Lang        string

	Page        int
	HasOCR      bool
	SlideNumber int
	HasNotes    bool
	SheetName   string
	NRows       int
	NCols       int
	SectionPath string

	HeadingPath  []string
	HeadingLevel int
	BlockType    string

	Figures []FigureRef
}

// DocumentItem is one ordered unit produced by a loader (a page, slide,
// sheet summary, section, or paragraph block) before chunking.
type DocumentItem struct {
	Text     string
	Metadata ItemMetadata
}

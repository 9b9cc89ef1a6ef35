package filetype

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

const pdfMIME = "application/pdf"

// FileTypeInfo contains detected file type information
type FileTypeInfo struct {
	MIMEType    string
	Extension   string
	Supported   bool
	Description string
}

// Detector sniffs uploads by magic bytes, not by filename.
type Detector struct{}

// New creates a new file type detector
func New() *Detector {
	return &Detector{}
}

// DetectBytes classifies an in-memory upload.
func (d *Detector) DetectBytes(data []byte) *FileTypeInfo {
	return d.classify(mimetype.Detect(data))
}

// DetectFile classifies a file on disk.
func (d *Detector) DetectFile(path string) (*FileTypeInfo, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to detect file type: %w", err)
	}
	info := d.classify(mtype)
	log.Debug().Str("mime", info.MIMEType).Str("file", path).Msg("detected file type")
	return info, nil
}

// RequirePDF returns an error describing the detected type when data is not a PDF.
func (d *Detector) RequirePDF(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("empty input")
	}
	info := d.DetectBytes(data)
	if !info.Supported {
		return fmt.Errorf("%s", info.Description)
	}
	return nil
}

func (d *Detector) classify(mtype *mimetype.MIME) *FileTypeInfo {
	info := &FileTypeInfo{MIMEType: mtype.String(), Extension: mtype.Extension()}
	if mtype.Is(pdfMIME) {
		info.Supported = true
		info.Description = "PDF document"
		return info
	}
	info.Description = fmt.Sprintf("unsupported file type: %s", info.MIMEType)
	return info
}

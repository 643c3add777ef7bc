package extraction

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Kind is the extraction variant selected for a MIME type.
type Kind int

const (
	KindUnsupported Kind = iota
	KindText
	KindOffice
	KindSpreadsheet
	KindCSV
	KindHTML
	KindMedia
	KindPDF
	KindLegacyDoc
	// KindDefaultText is the best-effort text attempt for unrecognised
	// text-like types.
	KindDefaultText
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindOffice:
		return "office"
	case KindSpreadsheet:
		return "spreadsheet"
	case KindCSV:
		return "csv"
	case KindHTML:
		return "html"
	case KindMedia:
		return "media"
	case KindPDF:
		return "pdf"
	case KindLegacyDoc:
		return "legacy-doc"
	case KindDefaultText:
		return "default-text"
	}
	return "unsupported"
}

const (
	mimeDocx = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	mimePptx = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	mimeXlsx = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	mimeOdt  = "application/vnd.oasis.opendocument.text"
	mimeDoc  = "application/msword"
)

var byMime = map[string]Kind{
	"text/plain":                    KindText,
	"text/markdown":                 KindText,
	"text/x-markdown":               KindText,
	mimeDocx:                        KindOffice,
	mimePptx:                        KindOffice,
	mimeOdt:                         KindOffice,
	"application/rtf":               KindOffice,
	"text/rtf":                      KindOffice,
	mimeXlsx:                        KindSpreadsheet,
	"text/csv":                      KindCSV,
	"application/csv":               KindCSV,
	"text/html":                     KindHTML,
	"application/xhtml+xml":         KindHTML,
	"application/pdf":               KindPDF,
	mimeDoc:                         KindLegacyDoc,
	"application/json":              KindDefaultText,
	"application/xml":               KindDefaultText,
	"application/x-ndjson":          KindDefaultText,
	"application/x-yaml":            KindDefaultText,
	"application/octet-stream":      KindUnsupported,
	"application/vnd.ms-excel":      KindUnsupported,
	"application/vnd.ms-powerpoint": KindUnsupported,
}

var byExt = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".docx": mimeDocx,
	".pptx": mimePptx,
	".xlsx": mimeXlsx,
	".odt":  mimeOdt,
	".rtf":  "application/rtf",
	".csv":  "text/csv",
	".html": "text/html",
	".htm":  "text/html",
	".pdf":  "application/pdf",
	".doc":  mimeDoc,
	".json": "application/json",
	".xml":  "application/xml",
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".m4a":  "audio/mp4",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
	".mp4":  "video/mp4",
	".mov":  "video/quicktime",
	".webm": "video/webm",
}

// NormalizeMime lowercases a content type and strips its parameters.
func NormalizeMime(ct string) string {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		return strings.ToLower(mt)
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Classify maps a MIME type onto an extraction variant.
func Classify(mimeType string) Kind {
	mt := NormalizeMime(mimeType)
	if k, ok := byMime[mt]; ok {
		return k
	}
	switch {
	case strings.HasPrefix(mt, "audio/"), strings.HasPrefix(mt, "video/"):
		return KindMedia
	case strings.HasPrefix(mt, "text/"):
		return KindDefaultText
	case strings.HasSuffix(mt, "+json"), strings.HasSuffix(mt, "+xml"):
		return KindDefaultText
	}
	return KindUnsupported
}

// MimeFromName guesses a MIME type from a file extension.
func MimeFromName(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" {
		return ""
	}
	if mt, ok := byExt[ext]; ok {
		return mt
	}
	return NormalizeMime(mime.TypeByExtension(ext))
}

// DeclaredMime resolves the type known before any bytes are read: the
// declared type unless it is empty or generic, else the file name.
func DeclaredMime(declared, fileName string) string {
	mt := NormalizeMime(declared)
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	return MimeFromName(fileName)
}

// ResolveMime resolves the effective type of a downloaded file, sniffing its
// first bytes when neither the declared type nor the name is conclusive.
func ResolveMime(declared, fileName, path string) string {
	if mt := DeclaredMime(declared, fileName); mt != "" {
		return mt
	}
	f, err := os.Open(path)
	if err != nil {
		return NormalizeMime(declared)
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return NormalizeMime(declared)
	}
	return NormalizeMime(http.DetectContentType(buf[:n]))
}

// ExtFor returns a file extension that matches mimeType, for naming the
// scratch copy of the source.
func ExtFor(mimeType, fileName string) string {
	if ext := strings.ToLower(filepath.Ext(fileName)); ext != "" && len(ext) <= 6 {
		return ext
	}
	mt := NormalizeMime(mimeType)
	for ext, m := range byExt {
		if m == mt && ext != ".htm" && ext != ".md" {
			return ext
		}
	}
	if exts, err := mime.ExtensionsByType(mt); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ".bin"
}

package any2pdf

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// Format tags. The tag namespace is Pandoc's source-format vocabulary plus
// the office and passthrough classes handled natively.
const (
	TagHTML         = "html"
	TagPDF          = "pdf"
	TagRTF          = "rtf"
	TagDocx         = "docx"
	TagXlsx         = "xlsx"
	TagPptx         = "pptx"
	TagOpendocument = "opendocument"
	TagOdt          = "odt"
	TagMarkdown     = "markdown"
	TagRst          = "rst"
	TagLatex        = "latex"
	TagCSV          = "csv"
	TagTSV          = "tsv"
	TagEpub         = "epub"
	TagIpynb        = "ipynb"
	TagOrg          = "org"
	TagTextile      = "textile"
)

// mimeToTag maps declared MIME types to format tags.
var mimeToTag = map[string]string{
	"text/html":       TagHTML,
	"application/pdf": TagPDF,

	"application/rtf": TagRTF,
	"text/rtf":        TagRTF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   TagDocx,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         TagXlsx,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": TagPptx,
	"application/vnd.oasis.opendocument.text":         TagOdt,
	"application/vnd.oasis.opendocument.spreadsheet":  TagOpendocument,
	"application/vnd.oasis.opendocument.presentation": TagOpendocument,

	"text/markdown":             TagMarkdown,
	"text/x-markdown":           TagMarkdown,
	"text/x-rst":                TagRst,
	"application/x-latex":       TagLatex,
	"text/x-tex":                TagLatex,
	"application/x-tex":         TagLatex,
	"text/csv":                  TagCSV,
	"text/tab-separated-values": TagTSV,
	"application/epub+zip":      TagEpub,
	"application/x-ipynb+json":  TagIpynb,
	"text/x-org":                TagOrg,
	"text/x-textile":            TagTextile,
}

// extToTag maps lowercase file extensions to format tags.
var extToTag = map[string]string{
	".html": TagHTML,
	".htm":  TagHTML,
	".pdf":  TagPDF,

	".rtf":  TagRTF,
	".docx": TagDocx,
	".xlsx": TagXlsx,
	".pptx": TagPptx,
	".odt":  TagOdt,
	".ods":  TagOpendocument,
	".odp":  TagOpendocument,

	".md":       TagMarkdown,
	".markdown": TagMarkdown,
	".rst":      TagRst,
	".tex":      TagLatex,
	".latex":    TagLatex,
	".csv":      TagCSV,
	".tsv":      TagTSV,
	".epub":     TagEpub,
	".ipynb":    TagIpynb,
	".org":      TagOrg,
	".textile":  TagTextile,
}

// officeTags are routed to the office worker pool.
var officeTags = map[string]bool{
	TagRTF:          true,
	TagDocx:         true,
	TagXlsx:         true,
	TagPptx:         true,
	TagOpendocument: true,
	TagOdt:          true,
}

// markupTags are routed to the Pandoc backend, each mapped to the
// source-format argument passed to it.
var markupTags = map[string]string{
	TagMarkdown: "markdown",
	TagRst:      "rst",
	TagLatex:    "latex",
	TagCSV:      "csv",
	TagTSV:      "tsv",
	TagEpub:     "epub",
	TagIpynb:    "ipynb",
	TagOrg:      "org",
	TagTextile:  "textile",
}

// declaredType derives a format tag from the declared MIME type, falling
// back to the filename extension. Returns "" when neither table matches.
func declaredType(contentType, filename string) string {
	if contentType != "" {
		mediaType, _, err := mime.ParseMediaType(contentType)
		if err == nil {
			if tag, ok := mimeToTag[mediaType]; ok {
				return tag
			}
		}
	}
	ext := strings.ToLower(filepath.Ext(filename))
	return extToTag[ext]
}

// resolveEffectiveType normalizes the client hint against the file's own
// evidence. A hint contradicting the detected type is rejected, as is an
// input with no determinable type at all.
func resolveEffectiveType(input Input) (string, error) {
	declared := declaredType(input.ContentType, input.Filename)
	hint := strings.ToLower(strings.TrimSpace(input.TypeHint))

	switch {
	case hint == "" && declared == "":
		return "", fmt.Errorf("%w: cannot determine document type of %q",
			ErrUnsupportedMedia, input.Filename)
	case hint == "":
		return declared, nil
	case declared != "" && hint != declared:
		return "", fmt.Errorf("%w: declared type %q contradicts detected type %q",
			ErrUnsupportedMedia, hint, declared)
	default:
		return hint, nil
	}
}

// backendClass identifies which converter a tag routes to.
type backendClass int

const (
	backendUnknown backendClass = iota
	backendBrowser
	backendOffice
	backendPassthrough
	backendMarkup
)

// classify routes an effective type to its backend.
func classify(tag string) backendClass {
	switch {
	case tag == TagHTML:
		return backendBrowser
	case tag == TagPDF:
		return backendPassthrough
	case officeTags[tag]:
		return backendOffice
	default:
		if _, ok := markupTags[tag]; ok {
			return backendMarkup
		}
		return backendUnknown
	}
}

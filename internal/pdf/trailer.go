// Package pdf appends incremental revisions to existing PDF files without touching
// a single byte of the input.
package pdf

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"

	pdflib "github.com/digitorus/pdf"
)

// Trailer is what the writer needs from the last cross-reference section.
type Trailer struct {
	// Root is the catalog reference, e.g. "1 0 R".
	Root string
	// Info and ID are carried forward when present.
	Info string
	ID   string
	// Size is one past the highest object number in use.
	Size int
	// StartXref is the offset of the last cross-reference section. It becomes /Prev.
	StartXref int64
	// Stream is true when the last section is a cross-reference stream.
	Stream bool
}

var (
	eofMarker       = []byte("%%EOF")
	startxrefMarker = []byte("startxref")
	trailerMarker   = []byte("trailer")

	rootPattern = regexp.MustCompile(`/Root\s+(\d+)\s+(\d+)\s+R`)
	infoPattern = regexp.MustCompile(`/Info\s+(\d+)\s+(\d+)\s+R`)
	sizePattern = regexp.MustCompile(`/Size\s+(\d+)`)
	idPattern   = regexp.MustCompile(`/ID\s*\[\s*(<[0-9A-Fa-f\s]*>)\s*(<[0-9A-Fa-f\s]*>)\s*\]`)
	typeXRef    = regexp.MustCompile(`/Type\s*/XRef\b`)
	objHeader   = regexp.MustCompile(`^\s*(\d+)\s+(\d+)\s+obj\b`)
	anyObject   = regexp.MustCompile(`(?m)(?:^|[\r\n\s])(\d+)\s+\d+\s+obj\b`)
)

// ParseTrailer opens the PDF with the cross-reference reader and returns its
// last trailer. Classic xref tables and cross-reference streams are both read,
// including /Prev chains.
func ParseTrailer(data []byte) (tr *Trailer, err error) {
	// The reader panics on some malformed input.
	defer func() {
		if r := recover(); r != nil {
			tr, err = nil, fmt.Errorf("unreadable PDF: %v", r)
		}
	}()

	rdr, err := pdflib.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, err
	}
	trailer := rdr.Trailer()
	if trailer.Kind() != pdflib.Dict {
		return nil, fmt.Errorf("no trailer dictionary")
	}

	tr = &Trailer{
		StartXref: rdr.XrefInformation.StartPos,
		Stream:    rdr.XrefInformation.Type == "stream",
	}
	if tr.StartXref <= 0 || tr.StartXref >= int64(len(data)) {
		return nil, fmt.Errorf("startxref %d outside document", tr.StartXref)
	}

	if tr.Root = reference(trailer.Key("Root")); tr.Root == "" {
		return nil, fmt.Errorf("trailer has no /Root")
	}

	size := trailer.Key("Size")
	if size.Kind() != pdflib.Integer || size.Int64() < 1 {
		return nil, fmt.Errorf("trailer has no valid /Size")
	}
	tr.Size = int(size.Int64())

	tr.Info = reference(trailer.Key("Info"))
	if id := trailer.Key("ID"); id.Kind() == pdflib.Array && id.Len() == 2 {
		tr.ID = fmt.Sprintf("[<%X> <%X>]", id.Index(0).RawString(), id.Index(1).RawString())
	}
	return tr, nil
}

// reference renders the indirect reference a resolved trailer entry came from,
// or "" when the entry is missing or direct.
func reference(v pdflib.Value) string {
	if v.Kind() == pdflib.Null {
		return ""
	}
	ptr := v.GetPtr()
	if ptr.GetID() == 0 {
		return ""
	}
	return fmt.Sprintf("%d %d R", ptr.GetID(), ptr.GetGen())
}

// scanTrailer recovers trailer values from raw bytes when the reader rejects the
// file, walking back from the final %%EOF. Cross-reference streams are located
// but not decoded.
func scanTrailer(data []byte) (*Trailer, error) {
	eof := bytes.LastIndex(data, eofMarker)
	if eof < 0 {
		return nil, fmt.Errorf("no %%%%EOF marker")
	}

	sx := bytes.LastIndex(data[:eof], startxrefMarker)
	if sx < 0 {
		return nil, fmt.Errorf("no startxref before final %%%%EOF")
	}

	offsetText := bytes.TrimSpace(data[sx+len(startxrefMarker) : eof])
	offset, err := strconv.ParseInt(string(offsetText), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid startxref value %q", offsetText)
	}
	if offset <= 0 || offset >= int64(sx) {
		return nil, fmt.Errorf("startxref %d outside document", offset)
	}

	section := data[offset:]
	var dict []byte
	stream := false
	switch {
	case bytes.HasPrefix(bytes.TrimLeft(section, " \t\r\n"), []byte("xref")):
		t := bytes.Index(section, trailerMarker)
		if t < 0 {
			return nil, fmt.Errorf("xref table without trailer")
		}
		dict, err = readDict(section, t+len(trailerMarker))
	case objHeader.Match(section):
		dict, err = readDict(section, 0)
		if err == nil && !typeXRef.Match(dict) {
			err = fmt.Errorf("object at startxref is not a cross-reference stream")
		}
		stream = true
	default:
		err = fmt.Errorf("no cross-reference section at offset %d", offset)
	}
	if err != nil {
		return nil, err
	}

	tr := &Trailer{StartXref: offset, Stream: stream}

	m := rootPattern.FindSubmatch(dict)
	if m == nil {
		return nil, fmt.Errorf("trailer has no /Root")
	}
	tr.Root = fmt.Sprintf("%s %s R", m[1], m[2])

	m = sizePattern.FindSubmatch(dict)
	if m == nil {
		return nil, fmt.Errorf("trailer has no /Size")
	}
	if tr.Size, err = strconv.Atoi(string(m[1])); err != nil || tr.Size < 1 {
		return nil, fmt.Errorf("invalid /Size %q", m[1])
	}

	if m = infoPattern.FindSubmatch(dict); m != nil {
		tr.Info = fmt.Sprintf("%s %s R", m[1], m[2])
	}
	if m = idPattern.FindSubmatch(dict); m != nil {
		tr.ID = fmt.Sprintf("[%s %s]", m[1], m[2])
	}

	return tr, nil
}

// readDict returns the first balanced << ... >> dictionary at or after start.
// Hex and literal strings are skipped so their delimiters do not count.
func readDict(b []byte, start int) ([]byte, error) {
	open := bytes.Index(b[start:], []byte("<<"))
	if open < 0 {
		return nil, fmt.Errorf("no dictionary found")
	}
	open += start

	depth := 0
	for i := open; i < len(b); i++ {
		switch b[i] {
		case '<':
			if i+1 < len(b) && b[i+1] == '<' {
				depth++
				i++
				continue
			}
			end := bytes.IndexByte(b[i:], '>')
			if end < 0 {
				return nil, fmt.Errorf("unterminated hex string")
			}
			i += end
		case '>':
			if i+1 < len(b) && b[i+1] == '>' {
				depth--
				i++
				if depth == 0 {
					return b[open : i+1], nil
				}
			}
		case '(':
			end, err := skipLiteral(b, i)
			if err != nil {
				return nil, err
			}
			i = end
		}
	}
	return nil, fmt.Errorf("unterminated dictionary")
}

// skipLiteral returns the index of the ')' closing the literal string at i.
func skipLiteral(b []byte, i int) (int, error) {
	depth := 0
	for ; i < len(b); i++ {
		switch b[i] {
		case '\\':
			i++
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unterminated literal string")
}

// highestObject scans for "N G obj" headers and returns the largest N, or 0.
func highestObject(data []byte) int {
	highest := 0
	for _, m := range anyObject.FindAllSubmatch(data, -1) {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

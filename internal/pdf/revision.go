package pdf

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/clinicore/platform/internal/shared/errors"
)

// Fallback trailer values used when the last trailer cannot be read.
const (
	FallbackRoot = "1 0 R"
	FallbackPrev = 0
)

// Options control trailer handling.
type Options struct {
	// StrictTrailer turns an unreadable trailer into MalformedDocument instead of
	// falling back to FallbackRoot and FallbackPrev.
	StrictTrailer bool
}

// Revision is the result of appending a document timestamp.
type Revision struct {
	PDF []byte
	// Degraded is set when the PDF reader rejected the file and the trailer
	// values came from a raw byte scan or the fallback constants.
	Degraded bool
	// Reason explains why the trailer could not be read, when Degraded.
	Reason string
	// ObjectNumber of the new /Sig object.
	ObjectNumber int
	// XrefOffset is the offset of the new cross-reference section.
	XrefOffset int64
	// Prev is the /Prev value written into the new trailer.
	Prev int64
	// Root is the /Root value written into the new trailer.
	Root string
}

// AppendTimestampRevision appends a DocTimeStamp-style /Sig object holding token,
// a cross-reference section for it, a trailer chained to the previous one, and a
// final %%EOF. The returned PDF always starts with the unmodified input, and the
// /ByteRange of the new object covers exactly the input bytes.
func AppendTimestampRevision(data, token []byte, opts Options) (*Revision, error) {
	if len(data) == 0 {
		return nil, errors.MalformedDocument("empty PDF")
	}
	if len(token) == 0 {
		return nil, errors.BadRequest("timestamp token is required")
	}

	rev := &Revision{}
	tr, err := ParseTrailer(data)
	if err != nil {
		if opts.StrictTrailer {
			return nil, errors.MalformedDocument(fmt.Sprintf("unreadable PDF trailer: %v", err))
		}
		rev.Degraded = true
		rev.Reason = err.Error()
		tr = degradedTrailer(data)
	}

	rev.ObjectNumber = tr.Size
	rev.Prev = tr.StartXref
	rev.Root = tr.Root

	// Copy first, append after; nothing below writes into out[:len(data)].
	out := make([]byte, len(data), len(data)+len(token)*2+512)
	copy(out, data)
	buf := bytes.NewBuffer(out)

	if last := data[len(data)-1]; last != '\n' && last != '\r' {
		buf.WriteByte('\n')
	}

	objOffset := int64(buf.Len())
	fmt.Fprintf(buf, "%d 0 obj\n", rev.ObjectNumber)
	fmt.Fprintf(buf, "<< /Type /Sig /Filter /Adobe.PPKLite /SubFilter /ETSI.RFC3161 /ByteRange [0 %d %d 0] /Contents <%s> >>\n",
		len(data), len(data), strings.ToUpper(hex.EncodeToString(token)))
	buf.WriteString("endobj\n")

	rev.XrefOffset = int64(buf.Len())
	buf.WriteString("xref\n")
	buf.WriteString("0 1\n")
	buf.WriteString("0000000000 65535 f\r\n")
	fmt.Fprintf(buf, "%d 1\n", rev.ObjectNumber)
	fmt.Fprintf(buf, "%010d 00000 n\r\n", objOffset)

	buf.WriteString("trailer\n")
	fmt.Fprintf(buf, "<< /Size %d /Root %s /Prev %d", rev.ObjectNumber+1, tr.Root, tr.StartXref)
	if tr.Info != "" {
		fmt.Fprintf(buf, " /Info %s", tr.Info)
	}
	if tr.ID != "" {
		fmt.Fprintf(buf, " /ID %s", tr.ID)
	}
	buf.WriteString(" >>\n")
	fmt.Fprintf(buf, "startxref\n%d\n%%%%EOF\n", rev.XrefOffset)

	rev.PDF = buf.Bytes()
	return rev, nil
}

// degradedTrailer scans the raw bytes for the last trailer and falls back to
// FallbackRoot and FallbackPrev when even that fails. The new object number
// never collides with an object header present in data.
func degradedTrailer(data []byte) *Trailer {
	highest := highestObject(data)
	tr, err := scanTrailer(data)
	if err != nil {
		tr = &Trailer{Root: FallbackRoot, StartXref: FallbackPrev}
	}
	if tr.Size <= highest {
		tr.Size = highest + 1
	}
	if tr.Size < 2 {
		tr.Size = 2
	}
	return tr
}

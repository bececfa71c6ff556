package pdf

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/clinicore/platform/internal/shared/errors"
)

// buildPDF writes a minimal single-page PDF with a classic xref table. pad adds
// filler to a comment line so tests can hit an exact size.
func buildPDF(pad int) []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.7\n")
	b.WriteString("%" + strings.Repeat("x", pad) + "\n")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>",
		"<< /Producer (clinicore \\(test\\)) >>",
	}
	offsets := make([]int, len(objects))
	for i, obj := range objects {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f\r\n", len(objects)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n\r\n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R /Info 4 0 R /ID [<A1B2><C3D4>] >>\n", len(objects)+1)
	fmt.Fprintf(&b, "startxref\n%d\n%%%%EOF\n", xref)
	return b.Bytes()
}

// pdfOfSize returns a valid PDF of exactly n bytes.
func pdfOfSize(t *testing.T, n int) []byte {
	t.Helper()
	base := len(buildPDF(0))
	if base > n {
		t.Fatalf("minimal PDF is %d bytes, cannot build %d", base, n)
	}
	data := buildPDF(n - base)
	if len(data) != n {
		t.Fatalf("Expected %d bytes, got %d", n, len(data))
	}
	return data
}

// buildXrefStreamPDF returns a PDF whose last section is an uncompressed
// cross-reference stream with /W [1 2 1] entries.
func buildXrefStreamPDF() []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.5\n")
	offsets := []int{b.Len()}
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	offsets = append(offsets, b.Len())
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")
	xref := b.Len()
	offsets = append(offsets, xref)

	entries := []byte{0x00, 0x00, 0x00, 0xff}
	for _, off := range offsets {
		entries = append(entries, 0x01, byte(off>>8), byte(off), 0x00)
	}
	fmt.Fprintf(&b, "3 0 obj\n<< /Type /XRef /Size 4 /Root 1 0 R /W [1 2 1] /Length %d >>\nstream\n", len(entries))
	b.Write(entries)
	b.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(&b, "startxref\n%d\n%%%%EOF\n", xref)
	return b.Bytes()
}

// buildUndecodableXrefStreamPDF points startxref at a cross-reference stream whose
// body the reader cannot decode. Only the raw scan can recover its trailer.
func buildUndecodableXrefStreamPDF() []byte {
	var b bytes.Buffer
	b.WriteString("%PDF-1.5\n")
	b.WriteString("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	b.WriteString("2 0 obj\n<< /Type /Pages /Kids [] /Count 0 >>\nendobj\n")
	xref := b.Len()
	b.WriteString("3 0 obj\n<< /Type /XRef /Size 4 /Root 1 0 R /W [1 2 1] /DecodeParms << /Columns 4 /Predictor 12 >> /Length 4 >>\nstream\nabcd\nendstream\nendobj\n")
	fmt.Fprintf(&b, "startxref\n%d\n%%%%EOF\n", xref)
	return b.Bytes()
}

func TestParseTrailer_Classic(t *testing.T) {
	data := buildPDF(0)

	tr, err := ParseTrailer(data)
	if err != nil {
		t.Fatalf("ParseTrailer failed: %v", err)
	}

	if tr.Root != "1 0 R" {
		t.Errorf("Expected root 1 0 R, got %q", tr.Root)
	}
	if tr.Size != 5 {
		t.Errorf("Expected size 5, got %d", tr.Size)
	}
	if tr.Info != "4 0 R" {
		t.Errorf("Expected info 4 0 R, got %q", tr.Info)
	}
	if tr.ID != "[<A1B2> <C3D4>]" {
		t.Errorf("Expected ID to be carried, got %q", tr.ID)
	}
	if tr.Stream {
		t.Error("Expected classic xref")
	}
	if !bytes.HasPrefix(data[tr.StartXref:], []byte("xref")) {
		t.Errorf("Expected StartXref to point at xref, got %q", data[tr.StartXref:tr.StartXref+8])
	}
}

func TestParseTrailer_XrefStream(t *testing.T) {
	data := buildXrefStreamPDF()
	tr, err := ParseTrailer(data)
	if err != nil {
		t.Fatalf("ParseTrailer failed: %v", err)
	}
	if !tr.Stream {
		t.Error("Expected cross-reference stream")
	}
	if tr.Root != "1 0 R" || tr.Size != 4 {
		t.Errorf("Expected root 1 0 R size 4, got %q size %d", tr.Root, tr.Size)
	}
	if !bytes.HasPrefix(data[tr.StartXref:], []byte("3 0 obj")) {
		t.Errorf("Expected StartXref to point at the stream object, got %d", tr.StartXref)
	}
}

func TestScanTrailer(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		root   string
		size   int
		stream bool
	}{
		{"classic", buildPDF(0), "1 0 R", 5, false},
		{"undecodable xref stream", buildUndecodableXrefStreamPDF(), "1 0 R", 4, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := scanTrailer(tt.data)
			if err != nil {
				t.Fatalf("scanTrailer failed: %v", err)
			}
			if tr.Root != tt.root || tr.Size != tt.size || tr.Stream != tt.stream {
				t.Errorf("Expected root %s size %d stream %v, got %+v", tt.root, tt.size, tt.stream, tr)
			}
		})
	}
}

func TestParseTrailer_Malformed(t *testing.T) {
	valid := buildPDF(0)

	tests := []struct {
		name string
		data []byte
	}{
		{"no eof", []byte("%PDF-1.4\n1 0 obj\n<< >>\nendobj\n")},
		{"no startxref", []byte("%PDF-1.4\n%%EOF\n")},
		{"bad offset", []byte("%PDF-1.4\nstartxref\nabc\n%%EOF\n")},
		{"offset out of range", []byte("%PDF-1.4\nstartxref\n99999\n%%EOF\n")},
		{"offset points at nothing", bytes.Replace(valid, []byte("startxref\n"), []byte("startxref\n1"), 1)},
		{"trailer without root", bytes.Replace(valid, []byte("/Root 1 0 R"), []byte("/Rot 1 0 R"), 1)},
		{"trailer without size", bytes.Replace(valid, []byte("/Size 5"), []byte("/Sz 5"), 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseTrailer(tt.data); err == nil {
				t.Error("Expected ParseTrailer error")
			}
			if _, err := scanTrailer(tt.data); err == nil {
				t.Error("Expected scanTrailer error")
			}
		})
	}

	if _, err := ParseTrailer(buildUndecodableXrefStreamPDF()); err == nil {
		t.Error("Expected the reader to reject an undecodable cross-reference stream")
	}
}

func TestReadDict_SkipsStrings(t *testing.T) {
	in := []byte("trailer\n<< /A (a >> b \\) c) /B <3E3E> /C << /D 1 >> >> tail")
	dict, err := readDict(in, 0)
	if err != nil {
		t.Fatalf("readDict failed: %v", err)
	}
	want := "<< /A (a >> b \\) c) /B <3E3E> /C << /D 1 >> >>"
	if string(dict) != want {
		t.Errorf("Expected %q, got %q", want, dict)
	}
}

func TestAppendTimestampRevision_500Bytes(t *testing.T) {
	input := pdfOfSize(t, 500)
	original := append([]byte(nil), input...)
	token := []byte{0x30, 0x82, 0x01, 0x00, 0xde, 0xad}

	rev, err := AppendTimestampRevision(input, token, Options{})
	if err != nil {
		t.Fatalf("AppendTimestampRevision failed: %v", err)
	}

	if len(rev.PDF) <= 500 {
		t.Fatalf("Expected output longer than 500 bytes, got %d", len(rev.PDF))
	}
	if !bytes.Equal(rev.PDF[:500], original) {
		t.Fatal("Expected the first 500 bytes to be unchanged")
	}
	if !bytes.Equal(input, original) {
		t.Fatal("Expected the input buffer to be left untouched")
	}
	if rev.Degraded {
		t.Errorf("Expected a clean trailer parse, got degraded: %s", rev.Reason)
	}
	if !strings.Contains(string(rev.PDF[500:]), "/ByteRange [0 500 500 0]") {
		t.Error("Expected ByteRange covering exactly the input")
	}
	if !strings.Contains(string(rev.PDF[500:]), "/Contents <30820100DEAD>") {
		t.Error("Expected hex-encoded token in /Contents")
	}
	if !strings.Contains(string(rev.PDF[500:]), "/SubFilter /ETSI.RFC3161") {
		t.Error("Expected ETSI.RFC3161 subfilter")
	}
}

func TestAppendTimestampRevision_NoMutation(t *testing.T) {
	inputs := map[string][]byte{
		"classic":               buildPDF(37),
		"xref stream":           buildXrefStreamPDF(),
		"undecodable xref":      buildUndecodableXrefStreamPDF(),
		"no trailing newline":   bytes.TrimRight(buildPDF(0), "\n"),
		"trailing garbage":      append(buildPDF(3), []byte("\x00\x01garbage")...),
		"not a pdf":             []byte("hello world"),
		"single byte":           {'%'},
		"binary with eof token": append([]byte{0xff, 0xfe, 0x00}, []byte("%%EOF")...),
	}

	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			original := append([]byte(nil), input...)
			rev, err := AppendTimestampRevision(input, []byte("token"), Options{})
			if err != nil {
				t.Fatalf("AppendTimestampRevision failed: %v", err)
			}
			if !bytes.Equal(rev.PDF[:len(original)], original) {
				t.Fatal("Expected output to start with the unmodified input")
			}
			if len(rev.PDF) <= len(original) {
				t.Fatal("Expected bytes to be appended")
			}
			if !bytes.HasSuffix(rev.PDF, []byte("%%EOF\n")) {
				t.Errorf("Expected output to end with %%EOF")
			}
		})
	}
}

func TestAppendTimestampRevision_ChainsTrailer(t *testing.T) {
	input := buildPDF(0)
	prior, _ := ParseTrailer(input)

	rev, err := AppendTimestampRevision(input, []byte("t1"), Options{})
	if err != nil {
		t.Fatalf("AppendTimestampRevision failed: %v", err)
	}

	if rev.Prev != prior.StartXref {
		t.Errorf("Expected /Prev %d, got %d", prior.StartXref, rev.Prev)
	}
	if rev.ObjectNumber != 5 {
		t.Errorf("Expected new object 5, got %d", rev.ObjectNumber)
	}
	if !bytes.HasPrefix(rev.PDF[rev.XrefOffset:], []byte("xref\n")) {
		t.Error("Expected XrefOffset to point at the new xref section")
	}

	next, err := ParseTrailer(rev.PDF)
	if err != nil {
		t.Fatalf("Expected the new revision to be parseable, got %v", err)
	}
	if next.Root != "1 0 R" || next.Size != 6 || next.Info != "4 0 R" || next.ID == "" {
		t.Errorf("Expected root, info and id carried forward, got %+v", next)
	}
	if next.StartXref != rev.XrefOffset {
		t.Errorf("Expected startxref %d, got %d", rev.XrefOffset, next.StartXref)
	}

	// The xref entry must point at the object header.
	entry := fmt.Sprintf("%d 1\n", rev.ObjectNumber)
	idx := bytes.Index(rev.PDF[rev.XrefOffset:], []byte(entry))
	if idx < 0 {
		t.Fatal("Expected xref subsection for the new object")
	}
	line := rev.PDF[rev.XrefOffset+int64(idx)+int64(len(entry)):]
	objOffset, err := strconv.Atoi(string(line[:10]))
	if err != nil {
		t.Fatalf("invalid xref entry: %q", line[:20])
	}
	if !bytes.HasPrefix(rev.PDF[objOffset:], []byte("5 0 obj")) {
		t.Errorf("Expected xref entry to point at 5 0 obj, got %q", rev.PDF[objOffset:objOffset+7])
	}

	// A second timestamp chains onto the first revision.
	again, err := AppendTimestampRevision(rev.PDF, []byte("t2"), Options{})
	if err != nil {
		t.Fatalf("second AppendTimestampRevision failed: %v", err)
	}
	if again.Prev != rev.XrefOffset || again.ObjectNumber != 6 || again.Degraded {
		t.Errorf("Expected chain onto first revision, got prev %d object %d degraded %v", again.Prev, again.ObjectNumber, again.Degraded)
	}
	if !bytes.Equal(again.PDF[:len(rev.PDF)], rev.PDF) {
		t.Error("Expected the first revision to be preserved")
	}
}

func TestAppendTimestampRevision_Fallback(t *testing.T) {
	input := []byte("%PDF-1.4\n7 0 obj\n<< >>\nendobj\nno trailer here")

	rev, err := AppendTimestampRevision(input, []byte("tok"), Options{})
	if err != nil {
		t.Fatalf("Expected fallback, got %v", err)
	}
	if !rev.Degraded || rev.Reason == "" {
		t.Error("Expected degraded revision with a reason")
	}
	if rev.Root != FallbackRoot || rev.Prev != FallbackPrev {
		t.Errorf("Expected fallback root and prev, got %q %d", rev.Root, rev.Prev)
	}
	if rev.ObjectNumber != 8 {
		t.Errorf("Expected object number past the highest existing object, got %d", rev.ObjectNumber)
	}
	if !strings.Contains(string(rev.PDF[len(input):]), "/Root 1 0 R /Prev 0") {
		t.Error("Expected fallback trailer values to be written")
	}
}

func TestAppendTimestampRevision_DegradedUsesScannedTrailer(t *testing.T) {
	input := buildUndecodableXrefStreamPDF()
	scanned, err := scanTrailer(input)
	if err != nil {
		t.Fatalf("scanTrailer failed: %v", err)
	}

	rev, err := AppendTimestampRevision(input, []byte("tok"), Options{})
	if err != nil {
		t.Fatalf("AppendTimestampRevision failed: %v", err)
	}
	if !rev.Degraded || rev.Reason == "" {
		t.Error("Expected degraded revision with a reason")
	}
	if rev.Root != "1 0 R" || rev.Prev != scanned.StartXref {
		t.Errorf("Expected scanned root and prev %d, got %q %d", scanned.StartXref, rev.Root, rev.Prev)
	}
	if rev.ObjectNumber != 4 {
		t.Errorf("Expected object number 4, got %d", rev.ObjectNumber)
	}

	if _, err := AppendTimestampRevision(input, []byte("tok"), Options{StrictTrailer: true}); !errors.Is(err, errors.ErrMalformedDocument) {
		t.Errorf("Expected strict mode to reject the file, got %v", err)
	}
}

func TestAppendTimestampRevision_StrictTrailer(t *testing.T) {
	_, err := AppendTimestampRevision([]byte("not a pdf"), []byte("tok"), Options{StrictTrailer: true})
	if !errors.Is(err, errors.ErrMalformedDocument) {
		t.Errorf("Expected ErrMalformedDocument, got %v", err)
	}

	rev, err := AppendTimestampRevision(buildPDF(0), []byte("tok"), Options{StrictTrailer: true})
	if err != nil || rev.Degraded {
		t.Errorf("Expected strict mode to accept a valid PDF, got %v", err)
	}
}

func TestAppendTimestampRevision_InvalidInput(t *testing.T) {
	if _, err := AppendTimestampRevision(nil, []byte("tok"), Options{}); !errors.Is(err, errors.ErrMalformedDocument) {
		t.Errorf("Expected ErrMalformedDocument for empty PDF, got %v", err)
	}
	if _, err := AppendTimestampRevision(buildPDF(0), nil, Options{}); !errors.Is(err, errors.ErrBadRequest) {
		t.Errorf("Expected ErrBadRequest for empty token, got %v", err)
	}
}

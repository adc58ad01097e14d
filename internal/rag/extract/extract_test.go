package extract

import (
	"errors"
	"strings"
	"testing"
)

func TestExtractPlainText(t *testing.T) {
	got, err := Extract("notes.txt", []byte("hello world\nsecond line"))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if got != "hello world\nsecond line" {
		t.Fatalf("text: got=%q", got)
	}
}

func TestExtractJSONFlattens(t *testing.T) {
	raw := []byte(`{"course":{"name":"AIDL","credits":30},"topics":["nlp","vision"]}`)
	got, err := Extract("syllabus.json", raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for _, want := range []string{"course.name: AIDL", "course.credits: 30", "topics[0]: nlp", "topics[1]: vision"} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in %q", want, got)
		}
	}
}

func TestExtractCSVPairsHeaders(t *testing.T) {
	raw := []byte("name,role\nAda,engineer\nAlan,mathematician\n")
	got, err := Extract("people.csv", raw)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	lines := strings.Split(got, "\n")
	if len(lines) != 2 {
		t.Fatalf("lines: want=2 got=%d (%q)", len(lines), got)
	}
	if lines[0] != "name: Ada, role: engineer" {
		t.Fatalf("row: got=%q", lines[0])
	}
}

func TestExtractUnsupported(t *testing.T) {
	_, err := Extract("binary.exe", []byte{0x4d, 0x5a})
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("want ErrUnsupportedType, got %v", err)
	}
}

func TestSupported(t *testing.T) {
	if !Supported("doc.PDF") {
		t.Fatal("pdf should be supported regardless of case")
	}
	if Supported("archive.zip") {
		t.Fatal("zip should not be supported")
	}
}

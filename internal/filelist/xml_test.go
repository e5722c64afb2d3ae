package filelist

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prxssh/godc/pkg/tiger"
)

const sampleTTH = "LWPNACQDBZRYXW3VHJVCJ64QBZNGHOHHHZWCLNQ"

func sampleListing() string {
	return `<?xml version="1.0" encoding="utf-8"?>
<FileListing Version="1" Base="/" Generator="test">
  <Directory Name="share">
    <File Name="song.mp3" Size="1234" TTH="` + sampleTTH + `"/>
    <Directory Name="empty"/>
    <Directory Name="partial" Incomplete="1"/>
  </Directory>
  <File Name="top.bin" Size="9"/>
</FileListing>`
}

func TestDecode(t *testing.T) {
	tree, err := Decode(strings.NewReader(sampleListing()))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	checkSizes(t, tree)
	checkOrder(t, tree)

	song, err := Resolve(tree, "/share/song.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if !song.HasTTH || song.TTH.String() != sampleTTH {
		t.Error("file TTH not decoded")
	}
	if song.Size != 1234 {
		t.Errorf("file size = %d, want 1234", song.Size)
	}

	partial, err := Resolve(tree, "/share/partial")
	if err != nil {
		t.Fatal(err)
	}
	if !partial.Incomplete {
		t.Error("Incomplete attribute not decoded")
	}

	top, err := Resolve(tree, "/top.bin")
	if err != nil {
		t.Fatal(err)
	}
	if top.HasTTH {
		t.Error("file without TTH attribute decoded as hashed")
	}
}

func TestDecodeRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "nested file",
			doc: `<FileListing Version="1">
				<File Name="a" Size="1"><File Name="b" Size="2"/></File>
			</FileListing>`,
		},
		{
			name: "bad incomplete",
			doc:  `<FileListing Version="1"><Directory Name="d" Incomplete="2"/></FileListing>`,
		},
		{
			name: "non-decimal size",
			doc:  `<FileListing Version="1"><File Name="a" Size="big"/></FileListing>`,
		},
		{
			name: "negative size",
			doc:  `<FileListing Version="1"><File Name="a" Size="-1"/></FileListing>`,
		},
		{
			name: "malformed tth",
			doc:  `<FileListing Version="1"><File Name="a" Size="1" TTH="NOT-A-HASH"/></FileListing>`,
		},
		{
			name: "wrong root",
			doc:  `<Listing><File Name="a" Size="1"/></Listing>`,
		},
		{
			name: "missing name",
			doc:  `<FileListing Version="1"><Directory/></FileListing>`,
		},
		{
			name: "empty document",
			doc:  ``,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode(strings.NewReader(tt.doc)); err == nil {
				t.Error("Decode accepted a malformed listing")
			}
		})
	}
}

func TestDecodeDropsDuplicates(t *testing.T) {
	doc := `<FileListing Version="1">
		<File Name="a.bin" Size="1"/>
		<File Name="A.BIN" Size="2"/>
	</FileListing>`

	tree, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(tree.Children) != 1 {
		t.Errorf("duplicate survived: %d children", len(tree.Children))
	}
	checkSizes(t, tree)
}

func TestDecodeSkipsUnknownElements(t *testing.T) {
	doc := `<FileListing Version="1">
		<Weird><File Name="hidden" Size="1"/></Weird>
		<File Name="seen.bin" Size="2"/>
	</FileListing>`

	tree, err := Decode(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if tree.Find("seen.bin", false) == nil {
		t.Error("element after an unknown subtree was lost")
	}
	if tree.Find("hidden", false) != nil {
		t.Error("content inside an unknown element leaked into the tree")
	}
}

func TestSanitizeReaderRewritesByte(t *testing.T) {
	doc := "<FileListing Version=\"1\"><File Name=\"a\x1db\" Size=\"1\"/></FileListing>"

	tree, err := Decode(sanitizeReader{strings.NewReader(doc)})
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if tree.Find("a?b", false) == nil {
		t.Error("0x1D byte not rewritten to '?'")
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	root := &Node{}
	dir := mustDir(t, "stuff & things")
	if err := root.Add(dir); err != nil {
		t.Fatal(err)
	}
	f := mustFile(t, "café.bin", 77)
	f.HasTTH = true
	f.TTH = tiger.Leaf([]byte("contents"))
	if err := dir.Add(f); err != nil {
		t.Fatal(err)
	}
	inc := mustDir(t, "unfinished")
	inc.Incomplete = true
	if err := root.Add(inc); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	if err := Encode(&buf, root, "godc"); err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	back, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	got, err := Resolve(back, "/stuff & things/café.bin")
	if err != nil {
		t.Fatal(err)
	}
	if got.Size != 77 || !got.HasTTH || got.TTH != f.TTH {
		t.Error("file attributes lost in round trip")
	}
	if n, _ := Resolve(back, "/unfinished"); n == nil || !n.Incomplete {
		t.Error("Incomplete flag lost in round trip")
	}
	if back.Size != root.Size {
		t.Errorf("tree size %d != %d", back.Size, root.Size)
	}
}

func TestWriteParseFileBzip2(t *testing.T) {
	root := &Node{}
	f := mustFile(t, "payload.bin", 42)
	f.HasTTH = true
	f.TTH = tiger.Leaf([]byte("payload"))
	if err := root.Add(f); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "list.xml.bz2")
	if err := WriteFile(path, root, "godc"); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	back, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile() error = %v", err)
	}
	got := back.Find("payload.bin", true)
	if got == nil || got.Size != 42 || got.TTH != f.TTH {
		t.Error("bzip2 round trip lost the file")
	}
}

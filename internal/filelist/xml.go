package filelist

import (
	"compress/bzip2"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	bz2 "github.com/dsnet/compress/bzip2"
	"github.com/prxssh/godc/pkg/tiger"
)

const (
	listingRoot    = "FileListing"
	listingVersion = "1"
)

var (
	ErrNoRoot      = errors.New("filelist: listing has no root element")
	ErrNestedFile  = errors.New("filelist: file element cannot contain children")
	ErrBadAttr     = errors.New("filelist: malformed attribute")
	ErrExtraRoot   = errors.New("filelist: more than one root element")
	ErrMissingName = errors.New("filelist: element without Name")
)

// sanitizeReader rewrites the 0x1D byte some producers emit into '?', since
// it is not valid in XML.
type sanitizeReader struct {
	r io.Reader
}

func (s sanitizeReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	for i := 0; i < n; i++ {
		if p[i] == 0x1D {
			p[i] = '?'
		}
	}
	return n, err
}

// Decode parses a listing document into a detached tree. The returned root
// is an unnamed directory node.
func Decode(r io.Reader) (*Node, error) {
	dec := xml.NewDecoder(r)
	// Some producers lie about their encoding; the content is already
	// rewritten to be parseable, so take any charset label as-is.
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	root := &Node{}
	var (
		sawRoot bool
		stack   []*Node
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("filelist: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 0 {
				if sawRoot {
					return nil, ErrExtraRoot
				}
				if t.Name.Local != listingRoot {
					return nil, fmt.Errorf("filelist: unexpected root element %q", t.Name.Local)
				}
				sawRoot = true
				stack = append(stack, root)
				continue
			}

			parent := stack[len(stack)-1]
			if parent.IsFile {
				return nil, ErrNestedFile
			}

			switch t.Name.Local {
			case "Directory":
				dir, err := decodeDirectory(t)
				if err != nil {
					return nil, err
				}
				if err := parent.Add(dir); err != nil {
					// A duplicate name under case folding is
					// dropped rather than rejected; skip its
					// subtree.
					if errors.Is(err, ErrDuplicate) {
						if err := dec.Skip(); err != nil {
							return nil, fmt.Errorf("filelist: %w", err)
						}
						continue
					}
					return nil, err
				}
				stack = append(stack, dir)
			case "File":
				file, err := decodeFile(t)
				if err != nil {
					return nil, err
				}
				if err := parent.Add(file); err != nil && !errors.Is(err, ErrDuplicate) {
					return nil, err
				}
				stack = append(stack, file)
			default:
				// Unknown elements and their subtrees are
				// ignored.
				if err := dec.Skip(); err != nil {
					return nil, fmt.Errorf("filelist: %w", err)
				}
			}

		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	if !sawRoot {
		return nil, ErrNoRoot
	}
	return root, nil
}

func decodeDirectory(t xml.StartElement) (*Node, error) {
	var (
		name       string
		incomplete bool
	)
	for _, a := range t.Attr {
		switch a.Name.Local {
		case "Name":
			name = a.Value
		case "Incomplete":
			switch a.Value {
			case "0":
			case "1":
				incomplete = true
			default:
				return nil, fmt.Errorf("%w: Incomplete=%q", ErrBadAttr, a.Value)
			}
		}
	}
	if name == "" {
		return nil, ErrMissingName
	}
	dir, err := NewDir(name)
	if err != nil {
		return nil, err
	}
	dir.Incomplete = incomplete
	return dir, nil
}

func decodeFile(t xml.StartElement) (*Node, error) {
	var (
		name    string
		sizeStr string
		tthStr  string
	)
	for _, a := range t.Attr {
		switch a.Name.Local {
		case "Name":
			name = a.Value
		case "Size":
			sizeStr = a.Value
		case "TTH":
			tthStr = a.Value
		}
	}
	if name == "" {
		return nil, ErrMissingName
	}
	size, err := strconv.ParseUint(sizeStr, 10, 63)
	if err != nil {
		return nil, fmt.Errorf("%w: Size=%q", ErrBadAttr, sizeStr)
	}

	file, err := NewFile(name, size)
	if err != nil {
		return nil, err
	}
	if tthStr != "" {
		h, err := tiger.FromBase32(tthStr)
		if err != nil {
			return nil, fmt.Errorf("%w: TTH=%q", ErrBadAttr, tthStr)
		}
		file.TTH = h
		file.HasTTH = true
	}
	return file, nil
}

// Encode serializes the tree rooted at root into the listing format. The
// root node itself becomes the FileListing element; its name is not
// emitted.
func Encode(w io.Writer, root *Node, generator string) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}

	enc := xml.NewEncoder(w)
	start := xml.StartElement{
		Name: xml.Name{Local: listingRoot},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "Version"}, Value: listingVersion},
			{Name: xml.Name{Local: "Base"}, Value: "/"},
			{Name: xml.Name{Local: "Generator"}, Value: generator},
		},
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, c := range root.Children {
		if err := encodeNode(enc, c); err != nil {
			return err
		}
	}
	if err := enc.EncodeToken(start.End()); err != nil {
		return err
	}
	return enc.Flush()
}

func encodeNode(enc *xml.Encoder, n *Node) error {
	if n.IsFile {
		attrs := []xml.Attr{
			{Name: xml.Name{Local: "Name"}, Value: n.Name},
			{Name: xml.Name{Local: "Size"}, Value: strconv.FormatUint(n.Size, 10)},
		}
		if n.HasTTH {
			attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "TTH"}, Value: n.TTH.String()})
		}
		start := xml.StartElement{Name: xml.Name{Local: "File"}, Attr: attrs}
		if err := enc.EncodeToken(start); err != nil {
			return err
		}
		return enc.EncodeToken(start.End())
	}

	attrs := []xml.Attr{{Name: xml.Name{Local: "Name"}, Value: n.Name}}
	if n.Incomplete {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "Incomplete"}, Value: "1"})
	}
	start := xml.StartElement{Name: xml.Name{Local: "Directory"}, Attr: attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	for _, c := range n.Children {
		if err := encodeNode(enc, c); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// ParseFile reads a listing from disk, transparently decompressing when the
// filename carries the .bz2 suffix.
func ParseFile(path string) (*Node, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".bz2") {
		r = bzip2.NewReader(r)
	}
	return Decode(sanitizeReader{r})
}

// WriteFile atomically serializes a tree to disk, compressing when the
// filename carries the .bz2 suffix.
func WriteFile(path string, root *Node, generator string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".fl-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	var (
		w   io.Writer = tmp
		bzw *bz2.Writer
	)
	if strings.HasSuffix(path, ".bz2") {
		if bzw, err = bz2.NewWriter(tmp, nil); err != nil {
			tmp.Close()
			return err
		}
		w = bzw
	}

	if err := Encode(w, root, generator); err != nil {
		tmp.Close()
		return err
	}
	if bzw != nil {
		if err := bzw.Close(); err != nil {
			tmp.Close()
			return err
		}
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

package filelist

import (
	"testing"

	"github.com/prxssh/godc/pkg/tiger"
)

func mustDir(t *testing.T, name string) *Node {
	t.Helper()
	d, err := NewDir(name)
	if err != nil {
		t.Fatalf("NewDir(%q) error = %v", name, err)
	}
	return d
}

func mustFile(t *testing.T, name string, size uint64) *Node {
	t.Helper()
	f, err := NewFile(name, size)
	if err != nil {
		t.Fatalf("NewFile(%q) error = %v", name, err)
	}
	return f
}

// checkSizes walks the tree verifying every directory's size equals the sum
// of its children.
func checkSizes(t *testing.T, n *Node) {
	t.Helper()
	if n.IsFile {
		return
	}
	var sum uint64
	for _, c := range n.Children {
		checkSizes(t, c)
		sum += c.Size
	}
	if n.Size != sum {
		t.Errorf("directory %q size = %d, children sum = %d", n.Name, n.Size, sum)
	}
}

// checkOrder verifies the canonical (lowercase, byte-wise) child ordering.
func checkOrder(t *testing.T, n *Node) {
	t.Helper()
	for i := 1; i < len(n.Children); i++ {
		if cmpNames(n.Children[i-1].Name, n.Children[i].Name) >= 0 {
			t.Errorf("children of %q out of order: %q before %q",
				n.Name, n.Children[i-1].Name, n.Children[i].Name)
		}
	}
	for _, c := range n.Children {
		checkOrder(t, c)
	}
}

func buildTree(t *testing.T) *Node {
	t.Helper()
	root := &Node{}
	music := mustDir(t, "Music")
	docs := mustDir(t, "docs")
	for _, n := range []*Node{music, docs} {
		if err := root.Add(n); err != nil {
			t.Fatalf("Add(%q) error = %v", n.Name, err)
		}
	}
	for _, f := range []*Node{
		mustFile(t, "b.mp3", 100),
		mustFile(t, "A.mp3", 50),
		mustFile(t, "a.mp3", 25),
	} {
		if err := music.Add(f); err != nil {
			t.Fatalf("Add(%q) error = %v", f.Name, err)
		}
	}
	if err := docs.Add(mustFile(t, "readme.txt", 7)); err != nil {
		t.Fatal(err)
	}
	return root
}

func TestAddMaintainsInvariants(t *testing.T) {
	root := buildTree(t)
	checkSizes(t, root)
	checkOrder(t, root)

	if root.Size != 182 {
		t.Errorf("root size = %d, want 182", root.Size)
	}

	// Case-insensitive tie broken byte-wise: "A.mp3" before "a.mp3".
	music := root.Find("music", false)
	if music == nil {
		t.Fatal("case-insensitive Find failed")
	}
	if music.Children[0].Name != "A.mp3" || music.Children[1].Name != "a.mp3" {
		t.Errorf("tie-break order wrong: %q, %q", music.Children[0].Name, music.Children[1].Name)
	}
}

func TestAddRejects(t *testing.T) {
	root := buildTree(t)
	music := root.Find("Music", true)

	if _, err := NewFile("bad/name", 1); err == nil {
		t.Error("NewFile accepted a path separator")
	}
	if err := music.Add(mustFile(t, "a.MP3", 1)); err == nil {
		t.Error("Add accepted a case-insensitive duplicate")
	}
	if err := music.Add(root.Children[0]); err == nil {
		t.Error("Add accepted an already-attached node")
	}

	sub := mustDir(t, "sub")
	if err := music.Add(sub); err != nil {
		t.Fatal(err)
	}
	detachedMusic := music
	detachedMusic.Remove()
	if err := sub.Add(detachedMusic); err == nil {
		t.Error("Add accepted an ancestor of the target directory")
	}
}

func TestRemoveUpdatesSizes(t *testing.T) {
	root := buildTree(t)
	music := root.Find("Music", true)
	b := music.Find("b.mp3", true)

	b.Remove()
	if b.Parent != nil {
		t.Error("removed node keeps its parent")
	}
	if music.Find("b.mp3", false) != nil {
		t.Error("removed node still findable")
	}
	checkSizes(t, root)
	if root.Size != 82 {
		t.Errorf("root size after remove = %d, want 82", root.Size)
	}
}

func TestFindStrict(t *testing.T) {
	root := buildTree(t)
	music := root.Find("Music", true)

	if music.Find("A.MP3", true) != nil {
		t.Error("strict Find matched a different case")
	}
	if music.Find("A.mp3", true) == nil {
		t.Error("strict Find missed the exact name")
	}
}

func TestResolve(t *testing.T) {
	root := buildTree(t)

	tests := []struct {
		name    string
		path    string
		want    string
		wantErr bool
	}{
		{name: "root", path: "/", want: ""},
		{name: "dir", path: "/Music", want: "Music"},
		{name: "file case-insensitive", path: "/music/B.MP3", want: "b.mp3"},
		{name: "double slash skipped", path: "//docs//readme.txt", want: "readme.txt"},
		{name: "missing", path: "/nope", wantErr: true},
		{name: "dot refused", path: "/Music/./a.mp3", wantErr: true},
		{name: "dotdot refused", path: "/Music/../docs", wantErr: true},
		{name: "through a file", path: "/docs/readme.txt/x", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Resolve(root, tt.path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Resolve(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err == nil && n.Name != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.path, n.Name, tt.want)
			}
		})
	}
}

func TestPath(t *testing.T) {
	root := buildTree(t)
	n, err := Resolve(root, "/Music/a.mp3")
	if err != nil {
		t.Fatal(err)
	}
	if got := n.Path(); got != "/Music/a.mp3" {
		t.Errorf("Path() = %q", got)
	}
	if got := root.Path(); got != "/" {
		t.Errorf("root Path() = %q", got)
	}
}

func TestIsEmpty(t *testing.T) {
	root := buildTree(t)
	if !root.IsEmpty() {
		t.Error("tree without TTHs should be empty")
	}

	f, _ := Resolve(root, "/docs/readme.txt")
	f.HasTTH = true
	f.TTH = tiger.Leaf([]byte("x"))
	if root.IsEmpty() {
		t.Error("tree with a hashed file should not be empty")
	}
}

func TestCopyIsDeepAndDetached(t *testing.T) {
	root := buildTree(t)
	music := root.Find("Music", true)

	cp := music.Copy()
	if cp.Parent != nil {
		t.Error("copy root keeps a parent")
	}
	if len(cp.Children) != len(music.Children) {
		t.Fatal("copy lost children")
	}
	if cp.Children[0] == music.Children[0] {
		t.Error("copy shares child nodes with the original")
	}
	if cp.Children[0].Parent != cp {
		t.Error("copied child points at the wrong parent")
	}

	cp.Children[0].Size = 9999
	if music.Children[0].Size == 9999 {
		t.Error("mutating the copy affected the original")
	}
}

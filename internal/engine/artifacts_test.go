package engine

import "testing"

func TestExtractArtifacts(t *testing.T) {
	out := "Plan first.\n" +
		"```go file=main.go\npackage main\n```\n" +
		"```bash\necho not a file\n```\n" +
		"<artifact filename=\"docs/README.md\" language=\"markdown\">\n# Title\n</artifact>\n" +
		"```go filename=\"main.go\"\npackage main\n\nfunc main() {}\n```\n"
	got := ExtractArtifacts(out)
	if len(got) != 2 {
		t.Fatalf("expected 2 artifacts, got %+v", got)
	}
	if got[0].Filename != "main.go" || got[0].Content != "package main\n\nfunc main() {}" {
		t.Fatalf("later main.go should replace the first, got %+v", got[0])
	}
	if got[1].Filename != "docs/README.md" || got[1].Language != "markdown" || got[1].Content != "# Title" {
		t.Fatalf("unexpected artifact element %+v", got[1])
	}
}

func TestCleanFilename(t *testing.T) {
	cases := map[string]string{
		"a/b.txt":        "a/b.txt",
		"/etc/passwd":    "etc/passwd",
		"../secret":      "",
		"a/../../secret": "",
		`dir\file.go`:    "dir/file.go",
		"  ":             "",
		".":              "",
	}
	for in, want := range cases {
		if got := cleanFilename(in); got != want {
			t.Fatalf("cleanFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

package engine

import (
	"path"
	"regexp"
	"strings"
)

// Artifact is a file embedded in runner output.
type Artifact struct {
	Filename string
	Language string
	Content  string
}

var (
	fencePattern    = regexp.MustCompile("(?s)```([^\\n`]*)\\n(.*?)\\n?```")
	artifactPattern = regexp.MustCompile(`(?s)<artifact\s+([^>]*)>\n?(.*?)\n?</artifact>`)
	attrPattern     = regexp.MustCompile(`([A-Za-z_-]+)\s*=\s*"([^"]*)"`)
)

// ExtractArtifacts finds embedded files in output. Two forms are recognised:
// fenced code blocks whose info string names a file (```go file=main.go) and
// <artifact filename="..."> elements. A later artifact with the same name
// replaces an earlier one.
func ExtractArtifacts(output string) []Artifact {
	var found []Artifact
	for _, m := range fencePattern.FindAllStringSubmatch(output, -1) {
		lang, name := parseInfoString(m[1])
		if name == "" {
			continue
		}
		found = append(found, Artifact{Filename: name, Language: lang, Content: m[2]})
	}
	for _, m := range artifactPattern.FindAllStringSubmatch(output, -1) {
		attrs := map[string]string{}
		for _, a := range attrPattern.FindAllStringSubmatch(m[1], -1) {
			attrs[strings.ToLower(a[1])] = a[2]
		}
		name := cleanFilename(firstNonEmpty(attrs["filename"], attrs["file"], attrs["path"]))
		if name == "" {
			continue
		}
		found = append(found, Artifact{Filename: name, Language: firstNonEmpty(attrs["language"], attrs["lang"]), Content: m[2]})
	}
	index := map[string]int{}
	var out []Artifact
	for _, a := range found {
		if i, ok := index[a.Filename]; ok {
			out[i] = a
			continue
		}
		index[a.Filename] = len(out)
		out = append(out, a)
	}
	return out
}

func parseInfoString(info string) (lang, name string) {
	for _, field := range strings.Fields(info) {
		key, val, ok := strings.Cut(field, "=")
		if !ok {
			if lang == "" {
				lang = field
			}
			continue
		}
		switch strings.ToLower(key) {
		case "file", "filename", "path":
			name = cleanFilename(strings.Trim(val, `"'`))
		}
	}
	return lang, name
}

// cleanFilename keeps relative, non-escaping paths only.
func cleanFilename(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = path.Clean(strings.ReplaceAll(name, "\\", "/"))
	name = strings.TrimLeft(name, "/")
	if name == "." || name == "" || name == ".." || strings.HasPrefix(name, "../") {
		return ""
	}
	return name
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

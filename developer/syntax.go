package developer

import (
	"context"
	"path/filepath"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
)

// languageFor maps a file extension to its tree-sitter grammar. Unknown
// extensions are not penalized; they just cannot be parse-checked.
func languageFor(path string) *sitter.Language {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".py":
		return python.GetLanguage()
	case ".js", ".mjs":
		return javascript.GetLanguage()
	case ".go":
		return golang.GetLanguage()
	default:
		return nil
	}
}

// parseQuality rates one source file in [0,1]: 1 for a clean parse, scaled
// down by the share of error nodes otherwise.
func parseQuality(ctx context.Context, path, content string) (float64, bool) {
	lang := languageFor(path)
	if lang == nil {
		return 0, false
	}

	parser := sitter.NewParser()
	parser.SetLanguage(lang)
	tree, err := parser.ParseCtx(ctx, nil, []byte(content))
	if err != nil {
		return 0, true
	}
	defer tree.Close()

	root := tree.RootNode()
	if !root.HasError() {
		return 1, true
	}

	total, bad := countErrorNodes(root)
	if total == 0 {
		return 0, true
	}
	quality := 1 - float64(bad)/float64(total)*5
	if quality < 0 {
		quality = 0
	}
	return quality, true
}

// countErrorNodes walks the tree counting named nodes and error nodes.
func countErrorNodes(node *sitter.Node) (total, bad int) {
	total = 1
	if node.Type() == "ERROR" || node.IsMissing() {
		bad = 1
	}
	for i := 0; i < int(node.NamedChildCount()); i++ {
		t, b := countErrorNodes(node.NamedChild(i))
		total += t
		bad += b
	}
	return total, bad
}

// syntaxScore rates a candidate's combined sources on the 20-point
// syntax-and-structure dimension.
func syntaxScore(ctx context.Context, files []File) float64 {
	var sum float64
	checked := 0
	for _, f := range files {
		quality, ok := parseQuality(ctx, f.Path, f.Content)
		if !ok {
			continue
		}
		sum += quality
		checked++
	}
	if checked == 0 {
		// Nothing parseable: grant half credit rather than failing
		// candidates written in an uncovered language.
		return 10
	}
	return sum / float64(checked) * 20
}

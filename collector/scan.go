package collector

import (
	"go/ast"
	"go/parser"
	"go/token"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/argus-qa/test-dispatcher/types"
)

// markerDirective is the doc-comment prefix declaring a test's markers,
// eg. "//argus:markers slow,integration".
const markerDirective = "argus:markers"

// scanDir walks the test tree and statically parses every *_test.go file
// for top-level TestXxx functions. Files that fail to parse are logged and
// skipped. testdata directories are not descended into.
func (c *Collector) scanDir(root string) ([]types.TestRecord, error) {
	var records []types.TestRecord
	fset := token.NewFileSet()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "testdata" || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(d.Name(), "_test.go") {
			return nil
		}

		fileRecords, perr := parseTestFile(fset, path)
		if perr != nil {
			c.cfg.Log.Error().Err(&CollectionError{File: path, Err: perr}).Msg("skipping unparseable test file")
			return nil
		}
		records = append(records, fileRecords...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	resolvePackages(records, root)
	return records, nil
}

// parseTestFile extracts test records from one source file without
// executing it.
func parseTestFile(fset *token.FileSet, path string) ([]types.TestRecord, error) {
	f, err := parser.ParseFile(fset, path, nil, parser.ParseComments)
	if err != nil {
		return nil, err
	}

	file := filepath.ToSlash(path)
	var records []types.TestRecord
	for _, decl := range f.Decls {
		funcDecl, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		name := funcDecl.Name.Name
		if !strings.HasPrefix(name, "Test") || name == "TestMain" {
			continue
		}
		// Methods are not runnable test cases.
		if funcDecl.Recv != nil {
			continue
		}

		markers, description := parseDoc(funcDecl.Doc)
		records = append(records, types.TestRecord{
			ID:          types.TaskID(file, name),
			TestFile:    file,
			TestName:    name,
			FullName:    file + "::" + name,
			Markers:     markers,
			Description: description,
			Line:        fset.Position(funcDecl.Pos()).Line,
		})
	}
	return records, nil
}

// parseDoc splits a test's doc comment into declared markers and the
// remaining descriptive text.
func parseDoc(doc *ast.CommentGroup) (markers []string, description string) {
	if doc == nil {
		return nil, ""
	}
	var descLines []string
	for _, line := range strings.Split(doc.Text(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, markerDirective); ok {
			for _, m := range strings.Split(rest, ",") {
				if m = strings.TrimSpace(m); m != "" {
					markers = append(markers, m)
				}
			}
			continue
		}
		descLines = append(descLines, line)
	}
	return markers, strings.Join(descLines, " ")
}

// resolvePackages fills each record's package import path by combining the
// enclosing module path from go.mod with the file's directory. Records
// outside any module keep an empty package; execution falls back to the
// directory path.
func resolvePackages(records []types.TestRecord, root string) {
	modPath, modDir := findModule(root)
	if modPath == "" {
		return
	}
	absModDir, err := filepath.Abs(modDir)
	if err != nil {
		return
	}
	for i := range records {
		absDir, err := filepath.Abs(filepath.Dir(records[i].TestFile))
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absModDir, absDir)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		if rel == "." {
			records[i].Package = modPath
		} else {
			records[i].Package = modPath + "/" + filepath.ToSlash(rel)
		}
	}
}

// findModule walks upward from dir looking for a go.mod and returns its
// module path and directory.
func findModule(dir string) (string, string) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", ""
	}
	for {
		goMod := filepath.Join(abs, "go.mod")
		if data, err := os.ReadFile(goMod); err == nil {
			mf, err := modfile.Parse(goMod, data, nil)
			if err == nil && mf.Module != nil {
				return mf.Module.Mod.Path, abs
			}
			return "", ""
		}
		parent := filepath.Dir(abs)
		if parent == abs {
			return "", ""
		}
		abs = parent
	}
}

// ABOUTME: Normalizes generated Go source before it is evaluated
// ABOUTME: Supplies the package clause, checks and completes imports, and finds the entry point

package loader

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"go/types"
	"path"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// packageName is the package every capability is evaluated as.
const packageName = "capability"

// entryPoint describes the function a capability exposes.
type entryPoint struct {
	name     string // as written by the generator
	exported string // name bound in the interpreter
	doc      string
	params   []Param
	argNames []string // one per function parameter, "" for context.Context
	variadic bool
}

// normalized is source ready for evaluation.
type normalized struct {
	code  string
	entry entryPoint
}

// normalize parses src, rewrites the package clause, validates imports against
// allowed (import path -> true), adds missing imports, and locates the entry point.
func normalize(src string, allowed map[string]bool) (*normalized, error) {
	file, body, err := parseWithPackage(src)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing source: %v", ErrLoad, err)
	}

	// Imports actually referenced: parser leaves package names unresolved.
	referenced := make(map[string]bool)
	for _, id := range file.Unresolved {
		referenced[id.Name] = true
	}

	imports := make(map[string]string) // path -> alias ("" for none)
	for _, spec := range file.Imports {
		p, err := strconv.Unquote(spec.Path.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: bad import %s", ErrLoad, spec.Path.Value)
		}
		alias := ""
		if spec.Name != nil {
			alias = spec.Name.Name
		}
		switch {
		case alias == ".":
			return nil, fmt.Errorf("%w: dot import of %q is not allowed", ErrLoad, p)
		case p == transportImport:
		case path.Base(p) == transportImport:
			return nil, fmt.Errorf("%w: import %q shadows the injected l402 package", ErrLoad, p)
		case !allowed[p]:
			return nil, fmt.Errorf("%w: import %q is not allowed", ErrLoad, p)
		}
		if alias == "_" {
			continue
		}
		name := alias
		if name == "" {
			name = path.Base(p)
		}
		if referenced[name] {
			imports[p] = alias
		}
	}

	// Complete imports the code uses without declaring.
	declared := make(map[string]bool)
	for p, alias := range imports {
		if alias != "" {
			declared[alias] = true
		} else {
			declared[path.Base(p)] = true
		}
	}
	if referenced[transportImport] && !declared[transportImport] {
		imports[transportImport] = ""
		declared[transportImport] = true
	}
	for p := range allowed {
		name := path.Base(p)
		if referenced[name] && !declared[name] {
			imports[p] = ""
			declared[name] = true
		}
	}

	code, err := assemble(imports, body)
	if err != nil {
		return nil, err
	}

	// Re-parse the assembled file so positions match what is stored and evaluated.
	fset := token.NewFileSet()
	file, err = parser.ParseFile(fset, packageName+".go", code, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing normalized source: %v", ErrLoad, err)
	}

	decl := findEntryPoint(file)
	if decl == nil {
		return nil, ErrNoEntryPoint
	}
	entry := describeEntryPoint(decl)

	if entry.exported != entry.name {
		code, err = renameFunc(fset, file, decl, entry.exported)
		if err != nil {
			return nil, err
		}
	}

	return &normalized{code: code, entry: entry}, nil
}

// parseWithPackage parses src, supplying a package clause when it has none.
// It returns the file and the source text with package clause and imports removed.
func parseWithPackage(src string) (*ast.File, string, error) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "generated.go", src, parser.ParseComments)
	if err != nil {
		withPkg := "package " + packageName + "\n\n" + src
		fset = token.NewFileSet()
		file, err = parser.ParseFile(fset, "generated.go", withPkg, parser.ParseComments)
		if err != nil {
			return nil, "", err
		}
		src = withPkg
	}

	tf := fset.File(file.Package)
	type span struct{ start, end int }
	cut := []span{{tf.Offset(file.Package), tf.Offset(file.Name.End())}}
	for _, d := range file.Decls {
		if gd, ok := d.(*ast.GenDecl); ok && gd.Tok == token.IMPORT {
			cut = append(cut, span{tf.Offset(gd.Pos()), tf.Offset(gd.End())})
		}
	}

	var body strings.Builder
	prev := 0
	for _, s := range cut {
		body.WriteString(src[prev:s.start])
		prev = s.end
	}
	body.WriteString(src[prev:])
	return file, body.String(), nil
}

func assemble(imports map[string]string, body string) (string, error) {
	paths := make([]string, 0, len(imports))
	for p := range imports {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b bytes.Buffer
	b.WriteString("package " + packageName + "\n\n")
	if len(paths) > 0 {
		b.WriteString("import (\n")
		for _, p := range paths {
			if alias := imports[p]; alias != "" {
				b.WriteString("\t" + alias + " ")
			} else {
				b.WriteString("\t")
			}
			b.WriteString(strconv.Quote(p) + "\n")
		}
		b.WriteString(")\n\n")
	}
	b.WriteString(strings.TrimSpace(body))
	b.WriteString("\n")

	out, err := format.Source(b.Bytes())
	if err != nil {
		return "", fmt.Errorf("%w: formatting source: %v", ErrLoad, err)
	}
	return string(out), nil
}

// findEntryPoint returns the first top-level function that is not a method,
// main, init or the blank identifier.
func findEntryPoint(file *ast.File) *ast.FuncDecl {
	for _, d := range file.Decls {
		fn, ok := d.(*ast.FuncDecl)
		if !ok || fn.Recv != nil || fn.Body == nil {
			continue
		}
		switch fn.Name.Name {
		case "main", "init", "_":
			continue
		}
		return fn
	}
	return nil
}

func describeEntryPoint(fn *ast.FuncDecl) entryPoint {
	e := entryPoint{
		name:     fn.Name.Name,
		exported: exportName(fn.Name.Name),
	}
	if fn.Doc != nil {
		e.doc = strings.Join(strings.Fields(fn.Doc.Text()), " ")
	}

	for i, field := range fn.Type.Params.List {
		typ := types.ExprString(field.Type)
		if _, ok := field.Type.(*ast.Ellipsis); ok {
			e.variadic = true
		}
		names := field.Names
		if len(names) == 0 {
			names = []*ast.Ident{ast.NewIdent(fmt.Sprintf("arg%d", i))}
		}
		for _, n := range names {
			if typ == "context.Context" {
				e.argNames = append(e.argNames, "")
				continue
			}
			e.argNames = append(e.argNames, n.Name)
			e.params = append(e.params, Param{Name: n.Name, Type: typ, JSONType: jsonType(field.Type)})
		}
	}
	return e
}

// renameFunc renames fn and every reference to it, returning the printed file.
func renameFunc(fset *token.FileSet, file *ast.File, fn *ast.FuncDecl, name string) (string, error) {
	obj := fn.Name.Obj
	for _, d := range file.Decls {
		if other, ok := d.(*ast.FuncDecl); ok && other.Recv == nil && other.Name.Name == name {
			return "", fmt.Errorf("%w: cannot export %s: %s is already declared", ErrLoad, fn.Name.Name, name)
		}
	}
	ast.Inspect(file, func(n ast.Node) bool {
		if id, ok := n.(*ast.Ident); ok && (id == fn.Name || (obj != nil && id.Obj == obj)) {
			id.Name = name
		}
		return true
	})

	var buf bytes.Buffer
	if err := format.Node(&buf, fset, file); err != nil {
		return "", fmt.Errorf("%w: printing source: %v", ErrLoad, err)
	}
	return buf.String(), nil
}

func exportName(name string) string {
	r := []rune(name)
	if len(r) == 0 || unicode.IsUpper(r[0]) {
		return name
	}
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// jsonType maps a Go parameter type to the JSON Schema type a caller must send.
func jsonType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.Ident:
		switch t.Name {
		case "string":
			return "string"
		case "bool":
			return "boolean"
		case "float32", "float64":
			return "number"
		case "int", "int8", "int16", "int32", "int64",
			"uint", "uint8", "uint16", "uint32", "uint64":
			return "integer"
		case "any":
			return ""
		}
	case *ast.ArrayType, *ast.Ellipsis:
		return "array"
	case *ast.MapType, *ast.StructType:
		return "object"
	case *ast.StarExpr:
		return jsonType(t.X)
	case *ast.InterfaceType:
		return ""
	}
	return "object"
}

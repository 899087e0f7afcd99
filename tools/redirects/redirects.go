// Command redirects patches calls to selected Go runtime functions so that
// they land on kernel replacements. Kernel functions opt in with a
// go:redirect-from directive naming the runtime symbol they replace; the
// populate-table command resolves both symbols in the linked kernel image and
// writes the address pairs to its .goredirectstbl section.
package main

import (
	"debug/elf"
	"encoding/binary"
	"errors"
	"flag"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	directive    = "//go:redirect-from"
	tableSection = ".goredirectstbl"
	kernelRoot   = "kernel/"
)

var errUsage = errors.New("usage: redirects count | list | populate-table <kernel image>")

// redirect pairs a runtime symbol with the kernel function that replaces it.
type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

// modulePath returns the path declared by the module directive of goModFile.
func modulePath(goModFile string) (string, error) {
	data, err := os.ReadFile(goModFile)
	if err != nil {
		return "", err
	}

	for _, line := range strings.Split(string(data), "\n") {
		if fields := strings.Fields(line); len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}

	return "", fmt.Errorf("%s: missing module directive", goModFile)
}

// collectGoFiles lists the non-test Go sources below root.
func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		switch {
		case err != nil:
			return err
		case info.IsDir(), filepath.Ext(path) != ".go", strings.HasSuffix(path, "_test.go"):
			return nil
		}

		goFiles = append(goFiles, path)
		return nil
	})

	return goFiles, err
}

// findRedirects parses goFiles and returns a redirect for every function
// carrying a redirect directive. Destination symbols are qualified with
// modPath and the directory of the declaring file.
func findRedirects(modPath string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	for _, goFile := range goFiles {
		fset := token.NewFileSet()
		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("%s: %s", goFile, err)
		}

		pkgPath := modPath + "/" + filepath.ToSlash(filepath.Dir(goFile))
		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.HasPrefix(comment.Text, directive) {
					continue
				}

				dst := pkgPath + "." + fnDecl.Name.Name
				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != directive {
					return nil, fmt.Errorf("%s: malformed redirect directive for %q", fset.Position(comment.Pos()), dst)
				}

				redirects = append(redirects, &redirect{src: fields[1], dst: dst})
			}
		}
	}

	return redirects, nil
}

// resolveSymbols fills in the addresses of both ends of each redirect.
func resolveSymbols(img *elf.File, redirects []*redirect) error {
	symbols, err := img.Symbols()
	if err != nil {
		return err
	}

	addrs := make(map[string]uint64, len(symbols))
	for _, symbol := range symbols {
		addrs[symbol.Name] = symbol.Value
	}

	for _, r := range redirects {
		if r.srcVMA = addrs[r.src]; r.srcVMA == 0 {
			return fmt.Errorf("could not locate address of %q", r.src)
		}
		if r.dstVMA = addrs[r.dst]; r.dstVMA == 0 {
			return fmt.Errorf("could not locate address of %q", r.dst)
		}
	}

	return nil
}

// writeTable encodes redirects as little-endian (src, dst) address pairs.
func writeTable(w io.Writer, redirects []*redirect) error {
	for _, r := range redirects {
		if err := binary.Write(w, binary.LittleEndian, [2]uint64{r.srcVMA, r.dstVMA}); err != nil {
			return err
		}
	}
	return nil
}

// populateTable resolves redirects against imgFile and overwrites the start
// of its redirect table section.
func populateTable(imgFile string, redirects []*redirect) error {
	img, err := elf.Open(imgFile)
	if err != nil {
		return err
	}
	defer img.Close()

	section := img.Section(tableSection)
	if section == nil {
		return fmt.Errorf("%s: missing %s section", imgFile, tableSection)
	}

	if need := uint64(len(redirects)) * 16; need > section.Size {
		return fmt.Errorf("%s: %s section holds %d bytes; %d redirects need %d", imgFile, tableSection, section.Size, len(redirects), need)
	}

	if err = resolveSymbols(img, redirects); err != nil {
		return fmt.Errorf("%s: %s", imgFile, err)
	}

	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	return writeTable(io.NewOffsetWriter(f, int64(section.Offset)), redirects)
}

// run executes the command in args using the kernel sources below the
// current directory.
func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}

	cmd := args[0]
	switch {
	case (cmd == "count" || cmd == "list") && len(args) == 1:
	case cmd == "populate-table" && len(args) == 2:
	default:
		return errUsage
	}

	if info, err := os.Stat(kernelRoot); err != nil || !info.IsDir() {
		return errors.New("this tool must be run from the kernel root folder")
	}

	modPath, err := modulePath("go.mod")
	if err != nil {
		return err
	}

	goFiles, err := collectGoFiles(kernelRoot)
	if err != nil {
		return err
	}

	redirects, err := findRedirects(modPath, goFiles)
	if err != nil {
		return err
	}

	switch cmd {
	case "count":
		_, err = fmt.Fprintf(out, "%d", len(redirects))
	case "list":
		for _, r := range redirects {
			if _, err = fmt.Fprintf(out, "%s -> %s\n", r.src, r.dst); err != nil {
				break
			}
		}
	default:
		err = populateTable(args[1], redirects)
	}

	return err
}

func main() {
	flag.Parse()
	if err := run(flag.Args(), os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "[redirects] error: %s\n", err)
		os.Exit(1)
	}
}

package main

import (
	"bufio"
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
	// tableSymbol is the package path relative to the module root and the
	// name of the redirect table variable inside the kernel image.
	tableSymbol = "kernel/redirect.Table"

	// maxEntries must match redirect.MaxEntries; one slot is reserved for
	// the terminating entry.
	maxEntries = 16
)

type redirect struct {
	src string
	dst string

	srcVMA uint64
	dstVMA uint64
}

func exit(err error) {
	fmt.Fprintf(os.Stderr, "[redirects] error: %s\n", err.Error())
	os.Exit(1)
}

// modulePath returns the module path declared in the go.mod file at root.
func modulePath(root string) (string, error) {
	f, err := os.Open(filepath.Join(root, "go.mod"))
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == "module" {
			return strings.Trim(fields[1], `"`), nil
		}
	}
	if err = scanner.Err(); err != nil {
		return "", err
	}

	return "", errors.New("go.mod does not declare a module path")
}

func collectGoFiles(root string) ([]string, error) {
	var goFiles []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		if filepath.Ext(path) == ".go" && !strings.HasSuffix(path, "_test.go") {
			goFiles = append(goFiles, path)
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	return goFiles, nil
}

// findRedirects parses goFiles and returns a redirect for each function that
// carries a go:redirect-from directive. File paths must be relative to the
// module root.
func findRedirects(module string, goFiles []string) ([]*redirect, error) {
	var redirects []*redirect

	for _, goFile := range goFiles {
		fset := token.NewFileSet()

		f, err := parser.ParseFile(fset, goFile, nil, parser.ParseComments)
		if err != nil {
			return nil, fmt.Errorf("%s: %s", goFile, err)
		}

		for _, decl := range f.Decls {
			fnDecl, ok := decl.(*ast.FuncDecl)
			if !ok || fnDecl.Doc == nil || fnDecl.Recv != nil {
				continue
			}

			for _, comment := range fnDecl.Doc.List {
				if !strings.Contains(comment.Text, "go:redirect-from") {
					continue
				}

				// build qualified name to fn
				fqName := fmt.Sprintf("%s/%s.%s",
					module,
					filepath.ToSlash(filepath.Dir(goFile)),
					fnDecl.Name.Name,
				)

				fields := strings.Fields(comment.Text)
				if len(fields) != 2 || fields[0] != "//go:redirect-from" {
					return nil, fmt.Errorf("malformed go:redirect-from syntax for %q", fqName)
				}

				redirects = append(redirects, &redirect{
					src: fields[1],
					dst: fqName,
				})
			}
		}
	}

	if len(redirects) >= maxEntries {
		return nil, fmt.Errorf("found %d redirects; the kernel table holds at most %d", len(redirects), maxEntries-1)
	}

	return redirects, nil
}

// resolveRedirects looks up the addresses of the redirect endpoints in
// symbols.
func resolveRedirects(redirects []*redirect, symbols []elf.Symbol) error {
	for _, redirect := range redirects {
		for _, symbol := range symbols {
			if symbol.Name == redirect.src {
				redirect.srcVMA = symbol.Value
			}
			if symbol.Name == redirect.dst {
				redirect.dstVMA = symbol.Value
			}
		}

		switch {
		case redirect.srcVMA == 0:
			return fmt.Errorf("could not locate address of %q", redirect.src)
		case redirect.dstVMA == 0:
			return fmt.Errorf("could not locate address of %q", redirect.dst)
		}
	}

	return nil
}

// tableFileOffset returns the image file offset of the symbol called name.
func tableFileOffset(name string, symbols []elf.Symbol, sections []*elf.Section) (uint64, error) {
	for _, symbol := range symbols {
		if symbol.Name != name {
			continue
		}

		for _, section := range sections {
			if section.Type == elf.SHT_NOBITS {
				continue
			}
			if symbol.Value >= section.Addr && symbol.Value < section.Addr+section.Size {
				return section.Offset + (symbol.Value - section.Addr), nil
			}
		}

		return 0, fmt.Errorf("%q is not backed by the image file", name)
	}

	return 0, fmt.Errorf("missing symbol %q", name)
}

// writeTable encodes redirects followed by a terminating entry.
func writeTable(w io.Writer, redirects []*redirect) error {
	for _, redirect := range redirects {
		if err := binary.Write(w, binary.LittleEndian, [2]uint64{redirect.srcVMA, redirect.dstVMA}); err != nil {
			return err
		}
	}

	return binary.Write(w, binary.LittleEndian, [2]uint64{})
}

func populateTable(module string, redirects []*redirect, imgFile string) error {
	img, err := elf.Open(imgFile)
	if err != nil {
		return err
	}

	symbols, err := img.Symbols()
	if err == nil {
		err = resolveRedirects(redirects, symbols)
	}
	var offset uint64
	if err == nil {
		offset, err = tableFileOffset(module+"/"+tableSymbol, symbols, img.Sections)
	}
	img.Close()
	if err != nil {
		return fmt.Errorf("%s: %s", imgFile, err)
	}

	// Open kernel image file and seek to table offset
	f, err := os.OpenFile(imgFile, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err = f.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}

	return writeTable(f, redirects)
}

func main() {
	flag.Parse()
	if matches, _ := filepath.Glob("kernel/"); len(matches) != 1 {
		exit(errors.New("this tool must be run from the module root folder"))
	}

	if len(flag.Args()) == 0 {
		exit(errors.New("missing command"))
	}

	cmd := flag.Arg(0)
	var imgFile string
	switch cmd {
	case "count":
	case "populate-table":
		if len(flag.Args()) != 2 {
			exit(errors.New("populate-table requires the path to the kernel image as an argument"))
		}
		imgFile = flag.Arg(1)
	default:
		exit(fmt.Errorf("unknown command %q", cmd))
	}

	module, err := modulePath(".")
	if err != nil {
		exit(err)
	}

	goFiles, err := collectGoFiles("kernel")
	if err != nil {
		exit(err)
	}

	redirects, err := findRedirects(module, goFiles)
	if err != nil {
		exit(err)
	}

	if cmd == "count" {
		fmt.Printf("%d", len(redirects))
		return
	}

	if err = populateTable(module, redirects, imgFile); err != nil {
		exit(err)
	}
}

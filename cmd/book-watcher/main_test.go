package main

import (
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestImportGroupsAreSorted(t *testing.T) {
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "main.go", nil, parser.ImportsOnly)
	require.NoError(t, err)

	var group []string
	lastLine := 0
	check := func() {
		require.Truef(t, sort.StringsAreSorted(group), "unsorted import group %v", group)
		group = group[:0]
	}
	for _, spec := range file.Imports {
		line := fset.Position(spec.Pos()).Line
		if lastLine != 0 && line != lastLine+1 {
			check()
		}
		path, err := strconv.Unquote(spec.Path.Value)
		require.NoError(t, err)
		group = append(group, path)
		lastLine = line
	}
	check()
}

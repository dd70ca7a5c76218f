package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// BuiltinBackend implements the local file-operation toolset. Paths are
// resolved relative to the configured root; an empty root means the
// process working directory.
type BuiltinBackend struct {
	root string
}

// NewBuiltinBackend creates a builtin backend rooted at dir.
func NewBuiltinBackend(dir string) *BuiltinBackend {
	return &BuiltinBackend{root: dir}
}

// Descriptor describes one tool for prompt catalogues.
type Descriptor struct {
	Name        string
	Description string
	Inputs      string
	Outputs     string
}

// BuiltinDescriptors lists the local toolset with I/O hints.
func BuiltinDescriptors() []Descriptor {
	return []Descriptor{
		{"create_file", "Create or overwrite a file", "path, content", "path, size"},
		{"read_file", "Read a file's contents", "path", "content, size"},
		{"edit_file", "Replace text within a file", "path, old_string, new_string", "replacements"},
		{"delete_file", "Delete a file", "path", "path"},
		{"list_files", "List directory entries", "path", "files, count"},
		{"create_directory", "Create a directory (with parents)", "path", "path"},
		{"directory_tree", "Render a directory tree", "path, max_depth", "tree"},
		{"get_cwd", "Report the working directory", "", "cwd"},
	}
}

func (b *BuiltinBackend) resolve(path string) string {
	if b.root == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(b.root, path)
}

// Execute runs one builtin tool. Failures come back as {success:false,
// error} results, not Go errors; only an unknown name is an error.
func (b *BuiltinBackend) Execute(ctx context.Context, tool string, args map[string]any) (map[string]any, error) {
	switch tool {
	case "create_file":
		return b.createFile(args), nil
	case "read_file":
		return b.readFile(args), nil
	case "edit_file":
		return b.editFile(args), nil
	case "delete_file":
		return b.deleteFile(args), nil
	case "list_files":
		return b.listFiles(args), nil
	case "create_directory":
		return b.createDirectory(args), nil
	case "directory_tree":
		return b.directoryTree(args), nil
	case "get_cwd":
		return b.getCwd(), nil
	default:
		return nil, fmt.Errorf("unknown built-in tool: %s", tool)
	}
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func failure(err error) map[string]any {
	return map[string]any{"success": false, "error": err.Error()}
}

func (b *BuiltinBackend) createFile(args map[string]any) map[string]any {
	path := b.resolve(stringArg(args, "path"))
	content := stringArg(args, "content")

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return failure(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return failure(err)
	}
	return map[string]any{
		"success": true,
		"path":    path,
		"size":    len(content),
		"message": fmt.Sprintf("Created %s (%d bytes)", path, len(content)),
	}
}

func (b *BuiltinBackend) readFile(args map[string]any) map[string]any {
	path := b.resolve(stringArg(args, "path"))

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"success": false, "error": fmt.Sprintf("File not found: %s", path)}
		}
		return failure(err)
	}
	return map[string]any{
		"success": true,
		"path":    path,
		"content": string(data),
		"size":    len(data),
	}
}

func (b *BuiltinBackend) editFile(args map[string]any) map[string]any {
	path := b.resolve(stringArg(args, "path"))
	oldString := stringArg(args, "old_string")
	newString := stringArg(args, "new_string")

	data, err := os.ReadFile(path)
	if err != nil {
		return failure(err)
	}
	content := string(data)

	replacements := strings.Count(content, oldString)
	if oldString == "" || replacements == 0 {
		preview := oldString
		if len(preview) > 50 {
			preview = preview[:50]
		}
		return map[string]any{"success": false, "error": fmt.Sprintf("String not found: %s...", preview)}
	}

	updated := strings.ReplaceAll(content, oldString, newString)
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		return failure(err)
	}
	return map[string]any{
		"success":      true,
		"path":         path,
		"replacements": replacements,
		"message":      fmt.Sprintf("Replaced %d occurrence(s)", replacements),
	}
}

func (b *BuiltinBackend) deleteFile(args map[string]any) map[string]any {
	path := b.resolve(stringArg(args, "path"))

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return map[string]any{"success": false, "error": fmt.Sprintf("File not found: %s", path)}
		}
		return failure(err)
	}
	return map[string]any{
		"success": true,
		"path":    path,
		"message": fmt.Sprintf("Deleted %s", path),
	}
}

func (b *BuiltinBackend) listFiles(args map[string]any) map[string]any {
	path := stringArg(args, "path")
	if path == "" {
		path = "."
	}
	path = b.resolve(path)

	entries, err := os.ReadDir(path)
	if err != nil {
		return failure(err)
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		files = append(files, entry.Name())
	}
	return map[string]any{
		"success": true,
		"path":    path,
		"files":   files,
		"count":   len(files),
	}
}

func (b *BuiltinBackend) createDirectory(args map[string]any) map[string]any {
	path := b.resolve(stringArg(args, "path"))

	if err := os.MkdirAll(path, 0o755); err != nil {
		return failure(err)
	}
	return map[string]any{
		"success": true,
		"path":    path,
		"message": fmt.Sprintf("Created directory %s", path),
	}
}

func (b *BuiltinBackend) directoryTree(args map[string]any) map[string]any {
	path := stringArg(args, "path")
	if path == "" {
		path = "."
	}
	path = b.resolve(path)

	maxDepth := 3
	switch d := args["max_depth"].(type) {
	case float64:
		maxDepth = int(d)
	case int:
		maxDepth = d
	}

	header := filepath.Base(path)
	if header == "." || header == string(filepath.Separator) {
		header = path
	}
	lines := append([]string{header}, buildTree(path, 0, maxDepth)...)
	return map[string]any{
		"success": true,
		"path":    path,
		"tree":    strings.Join(lines, "\n"),
	}
}

// buildTree renders directories first, then files, case-insensitively by
// name. Unreadable directories are skipped.
func buildTree(path string, depth, maxDepth int) []string {
	if depth > maxDepth {
		return nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return strings.ToLower(entries[i].Name()) < strings.ToLower(entries[j].Name())
	})

	var lines []string
	indent := strings.Repeat("  ", depth)
	for _, entry := range entries {
		prefix := "[F] "
		if entry.IsDir() {
			prefix = "[D] "
		}
		lines = append(lines, indent+prefix+entry.Name())
		if entry.IsDir() {
			lines = append(lines, buildTree(filepath.Join(path, entry.Name()), depth+1, maxDepth)...)
		}
	}
	return lines
}

func (b *BuiltinBackend) getCwd() map[string]any {
	if b.root != "" {
		return map[string]any{"success": true, "cwd": b.root}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return failure(err)
	}
	return map[string]any{"success": true, "cwd": cwd}
}

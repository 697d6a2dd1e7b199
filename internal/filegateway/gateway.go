// Package filegateway implements the workspace file gateway: path-validated
// read/write/list/stat/delete operations against a user's container
// filesystem, plus default-workspace bootstrap.
package filegateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/kandev/backplane/internal/common/apperr"
	"github.com/kandev/backplane/internal/common/config"
	"github.com/kandev/backplane/internal/common/constants"
	"github.com/kandev/backplane/internal/common/logger"
	"github.com/kandev/backplane/internal/container"
)

// Entry is one listed directory entry.
type Entry struct {
	Name  string    `json:"name"`
	Type  string    `json:"type"` // "file" or "directory"
	Size  int64     `json:"size"`
	MTime time.Time `json:"mtime"`
}

// Project is one container-native project directory surfaced by getProjects.
type Project struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// skipDirs are never surfaced by List or by the default-project scan.
var skipDirs = map[string]bool{"node_modules": true, "dist": true, "build": true}

// shellMetacharacters matches the characters a workspace-relative path must
// never carry, including quote characters, which could break out of the
// shell quoting used to build commands below.
var shellMetacharacters = regexp.MustCompile("[;&|$`\n'\"]")

// Gateway executes file operations against a user's container through the
// shared Container Manager.
type Gateway struct {
	manager  *container.Manager
	agentCfg config.AgentConfig
	cfg      config.FileGatewayConfig
	logger   *logger.Logger
}

// NewGateway constructs a Workspace File Gateway.
func NewGateway(mgr *container.Manager, agentCfg config.AgentConfig, cfg config.FileGatewayConfig, log *logger.Logger) *Gateway {
	if cfg.MaxWriteBytes <= 0 {
		cfg.MaxWriteBytes = constants.MaxFileWriteBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = constants.FileWriteTimeout
	}
	return &Gateway{
		manager:  mgr,
		agentCfg: agentCfg,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "file-gateway")),
	}
}

// ValidatePath enforces the path invariants on a user-supplied
// workspace-relative path: no leading slash, no ".." segment, no NUL, and
// none of the disallowed shell metacharacters.
func ValidatePath(p string) error {
	if p == "" {
		return nil
	}
	if strings.ContainsRune(p, 0) {
		return apperr.PathInvalid(p, "contains a NUL byte")
	}
	if strings.HasPrefix(p, "/") {
		return apperr.PathInvalid(p, "must not be absolute")
	}
	for _, seg := range strings.Split(p, "/") {
		if seg == ".." {
			return apperr.PathInvalid(p, "must not contain \"..\" segments")
		}
	}
	if shellMetacharacters.MatchString(p) {
		return apperr.PathInvalid(p, "contains a disallowed shell metacharacter")
	}
	return nil
}

// resolveBase picks the in-container base directory: the project folder
// under the projects root for container-native projects, /workspace (plus
// any project suffix after a host prefix) otherwise.
func (g *Gateway) resolveBase(isContainerProject bool, projectPath string) string {
	if isContainerProject {
		root := g.agentCfg.ProjectsRoot
		if root == "" {
			root = "/home/node/.claude/projects"
		}
		return path.Join(root, projectPath)
	}
	base := "/workspace"
	if idx := strings.Index(projectPath, ":"); idx >= 0 {
		projectPath = projectPath[idx+1:]
	}
	if projectPath != "" {
		return path.Join(base, projectPath)
	}
	return base
}

// Resolve validates rel and returns the absolute in-container path it maps
// to under the given project base.
func (g *Gateway) Resolve(isContainerProject bool, projectPath, rel string) (string, error) {
	if err := ValidatePath(rel); err != nil {
		return "", err
	}
	base := g.resolveBase(isContainerProject, projectPath)
	if rel == "" {
		return base, nil
	}
	return path.Join(base, rel), nil
}

// run executes cmd inside userID's container via a non-TTY exec and returns
// its fully-collected stdout/stderr.
func (g *Gateway) run(ctx context.Context, userID string, cmd []string) (stdout, stderr string, err error) {
	res, err := g.manager.ExecInContainer(ctx, userID, cmd, container.ExecOptions{})
	if err != nil {
		g.logger.WithError(err).Warn("file gateway exec failed", zap.String("user_id", userID))
		return "", "", err
	}
	defer res.Conn.Close()

	var outBuf, errBuf bytes.Buffer
	if _, err := stdcopy.StdCopy(&outBuf, &errBuf, res.Reader); err != nil {
		return outBuf.String(), errBuf.String(), apperr.ExecFailed("file gateway exec stream failed", err)
	}
	return outBuf.String(), errBuf.String(), nil
}

func shQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

// Read implements the `read` operation.
func (g *Gateway) Read(ctx context.Context, userID string, isContainerProject bool, projectPath, rel string) (string, error) {
	abs, err := g.Resolve(isContainerProject, projectPath, rel)
	if err != nil {
		return "", err
	}
	out, errOut, err := g.run(ctx, userID, []string{"sh", "-c", "cat " + shQuote(abs)})
	if err != nil {
		return "", err
	}
	combined := strings.ToLower(out + errOut)
	if strings.Contains(combined, "no such file") || strings.Contains(combined, "cannot access") {
		return "", apperr.NotFound(fmt.Sprintf("file not found: %s", rel))
	}
	return strings.TrimRight(out, " \t\r\n"), nil
}

// Write implements the `write` operation: content is base64-encoded before
// being handed to the container to avoid any shell-escaping pitfall, and
// parent directories are created first.
func (g *Gateway) Write(ctx context.Context, userID string, isContainerProject bool, projectPath, rel string, content []byte) error {
	if int64(len(content)) > g.cfg.MaxWriteBytes {
		return apperr.PathInvalid(rel, fmt.Sprintf("write exceeds the %d byte limit", g.cfg.MaxWriteBytes))
	}
	abs, err := g.Resolve(isContainerProject, projectPath, rel)
	if err != nil {
		return err
	}

	writeCtx, cancel := context.WithTimeout(ctx, g.cfg.WriteTimeout)
	defer cancel()

	dir := path.Dir(abs)
	encoded := base64.StdEncoding.EncodeToString(content)
	script := fmt.Sprintf("mkdir -p %s && printf '%%s' %s | base64 -d > %s",
		shQuote(dir), shQuote(encoded), shQuote(abs))

	_, errOut, err := g.run(writeCtx, userID, []string{"sh", "-c", script})
	if err != nil {
		return err
	}
	if strings.TrimSpace(errOut) != "" {
		return apperr.ExecFailed(fmt.Sprintf("write failed: %s", strings.TrimSpace(errOut)), nil)
	}
	return nil
}

// Stat implements the `stat` operation: it runs `stat` on the resolved path
// and parses its name|type|size|mtime output into one Entry.
func (g *Gateway) Stat(ctx context.Context, userID string, isContainerProject bool, projectPath, rel string) (Entry, error) {
	abs, err := g.Resolve(isContainerProject, projectPath, rel)
	if err != nil {
		return Entry{}, err
	}
	out, errOut, err := g.run(ctx, userID, []string{"sh", "-c",
		fmt.Sprintf("stat -c '%%n|%%F|%%s|%%Y' %s", shQuote(abs))})
	if err != nil {
		return Entry{}, err
	}
	if strings.Contains(strings.ToLower(out+errOut), "no such file") {
		return Entry{}, apperr.NotFound(fmt.Sprintf("file not found: %s", rel))
	}
	line := strings.TrimSpace(out)
	parts := strings.SplitN(line, "|", 4)
	if len(parts) != 4 {
		return Entry{}, apperr.ExecFailed("unexpected stat output", nil)
	}
	size, _ := strconv.ParseInt(parts[2], 10, 64)
	epoch, _ := strconv.ParseInt(parts[3], 10, 64)
	entryType := "file"
	if strings.Contains(parts[1], "directory") {
		entryType = "directory"
	}
	return Entry{
		Name:  path.Base(abs),
		Type:  entryType,
		Size:  size,
		MTime: time.Unix(epoch, 0).UTC(),
	}, nil
}

// Delete implements the `delete` operation.
func (g *Gateway) Delete(ctx context.Context, userID string, isContainerProject bool, projectPath, rel string) error {
	abs, err := g.Resolve(isContainerProject, projectPath, rel)
	if err != nil {
		return err
	}
	if abs == g.resolveBase(isContainerProject, projectPath) {
		return apperr.PathInvalid(rel, "refusing to delete the project root")
	}
	_, errOut, err := g.run(ctx, userID, []string{"sh", "-c", "rm -rf " + shQuote(abs)})
	if err != nil {
		return err
	}
	if strings.TrimSpace(errOut) != "" {
		return apperr.ExecFailed(fmt.Sprintf("delete failed: %s", strings.TrimSpace(errOut)), nil)
	}
	return nil
}

// List implements the `list` operation: one directory level, directories
// first, then case-insensitive name order (lower-cased byte comparison, not
// locale collation), node_modules/dist/build hard-skipped.
func (g *Gateway) List(ctx context.Context, userID string, isContainerProject bool, projectPath, rel string, includeDotfiles bool) ([]Entry, error) {
	abs, err := g.Resolve(isContainerProject, projectPath, rel)
	if err != nil {
		return nil, err
	}
	script := fmt.Sprintf(
		"find %s -mindepth 1 -maxdepth 1 -printf '%%f|%%y|%%s|%%T@\\n'",
		shQuote(abs))
	out, errOut, err := g.run(ctx, userID, []string{"sh", "-c", script})
	if err != nil {
		return nil, err
	}
	if strings.Contains(strings.ToLower(out+errOut), "no such file") {
		return nil, apperr.NotFound(fmt.Sprintf("directory not found: %s", rel))
	}
	return parseListLines(out, includeDotfiles), nil
}

func parseListLines(out string, includeDotfiles bool) []Entry {
	var entries []Entry
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		name := parts[0]
		if skipDirs[name] {
			continue
		}
		if !includeDotfiles && strings.HasPrefix(name, ".") {
			continue
		}
		entryType := "file"
		if parts[1] == "d" {
			entryType = "directory"
		}
		size, _ := strconv.ParseInt(parts[2], 10, 64)
		mtimeFloat, _ := strconv.ParseFloat(parts[3], 64)
		entries = append(entries, Entry{
			Name:  name,
			Type:  entryType,
			Size:  size,
			MTime: time.Unix(int64(mtimeFloat), 0).UTC(),
		})
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if (entries[i].Type == "directory") != (entries[j].Type == "directory") {
			return entries[i].Type == "directory"
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
	return entries
}

// GetProjects lists container-native project directories for userID,
// bootstrapping a default "my-workspace" project when none exist so a
// client is guaranteed at least one project.
func (g *Gateway) GetProjects(ctx context.Context, userID string) ([]Project, error) {
	entries, err := g.List(ctx, userID, true, "", "", false)
	if err != nil && !apperr.Is(err, apperr.KindNotFound) {
		return nil, err
	}

	var projects []Project
	for _, e := range entries {
		if e.Type == "directory" {
			projects = append(projects, Project{Name: e.Name, Path: e.Name})
		}
	}
	if len(projects) > 0 {
		return projects, nil
	}

	if err := g.bootstrapDefaultWorkspace(ctx, userID); err != nil {
		return nil, err
	}
	return []Project{{Name: "my-workspace", Path: "my-workspace"}}, nil
}

func (g *Gateway) bootstrapDefaultWorkspace(ctx context.Context, userID string) error {
	const projectPath = "my-workspace"

	if _, _, err := g.run(ctx, userID, []string{"sh", "-c",
		fmt.Sprintf("mkdir -p %s && cd %s && git init -q",
			shQuote(path.Join(g.agentCfg.ProjectsRoot, projectPath)),
			shQuote(path.Join(g.agentCfg.ProjectsRoot, projectPath)))}); err != nil {
		return err
	}

	readme := "# my-workspace\n\nA starter workspace for your agent sessions.\n"
	gitignore := "node_modules/\ndist/\nbuild/\n.env\n"
	packageJSON := "{\n  \"name\": \"my-workspace\",\n  \"version\": \"0.1.0\",\n  \"private\": true\n}\n"

	for _, f := range []struct {
		name    string
		content string
	}{
		{"README.md", readme},
		{".gitignore", gitignore},
		{"package.json", packageJSON},
	} {
		if err := g.Write(ctx, userID, true, projectPath, f.name, []byte(f.content)); err != nil {
			return err
		}
	}
	return nil
}

// Package archive resolves workflow packages into workflow graphs. A package
// is a YAML workflow specification either stored in the workflow store or
// downloaded into it from an allowed URL.
package archive

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"workflow-manager/internal/common/config"
	"workflow-manager/internal/common/errors"
	httpclient "workflow-manager/internal/common/http"
	"workflow-manager/internal/common/logger"
	"workflow-manager/internal/common/validation"
	"workflow-manager/internal/workflow"
)

// Loader implements workflow.Loader on top of a local workflow store.
type Loader struct {
	storePath string
	allowed   []*regexp.Regexp
	http      *httpclient.Client
	logger    logger.Logger

	downloaded sync.Map // path of a downloaded package -> workflow name
}

func NewLoader(cfg config.WorkflowStoreConfig, downloadTimeout time.Duration, log logger.Logger) (*Loader, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("workflow store path is required")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create workflow store %s: %w", cfg.Path, err)
	}

	allowed := make([]*regexp.Regexp, 0, len(cfg.AllowedURLs))
	for _, pattern := range cfg.AllowedURLs {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allowed url pattern %q: %w", pattern, err)
		}
		allowed = append(allowed, re)
	}

	return &Loader{
		storePath: cfg.Path,
		allowed:   allowed,
		http:      httpclient.NewClient(downloadTimeout),
		logger:    log.WithFields(map[string]interface{}{"component": "archive-loader"}),
	}, nil
}

// Load resolves url, parses and validates the workflow specification and
// builds its graph. An empty name is derived from the package file name.
func (l *Loader) Load(ctx context.Context, name, url string) (*workflow.Graph, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.NewInvalidSpecificationError("workflow url is required", nil)
	}

	file, downloaded, err := l.resolve(ctx, url)
	if err != nil {
		return nil, err
	}

	if name == "" {
		base := filepath.Base(file)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if err := validation.ValidateWorkflowName(name); err != nil {
		l.discard(file, downloaded)
		return nil, errors.NewInvalidSpecificationError("invalid workflow name", err)
	}

	data, err := os.ReadFile(file)
	if err != nil {
		l.discard(file, downloaded)
		return nil, errors.NewInvalidSpecificationError("cannot read workflow file", err)
	}

	graph, err := Parse(name, data)
	if err != nil {
		l.discard(file, downloaded)
		return nil, err
	}
	graph.URL = url

	if downloaded {
		l.downloaded.Store(file, name)
	}
	l.logger.Debug("workflow package loaded", map[string]interface{}{
		"workflow":   name,
		"url":        url,
		"nodes":      len(graph.Nodes),
		"downloaded": downloaded,
	})
	return graph, nil
}

// Remove releases the package that url was loaded from. Only packages this
// loader downloaded are deleted; files placed in the store by an operator stay.
func (l *Loader) Remove(name, url string) error {
	file, err := l.downloadTarget(url)
	if err != nil {
		return nil
	}
	if _, ok := l.downloaded.LoadAndDelete(file); !ok {
		return nil
	}
	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove workflow package %s: %w", file, err)
	}
	l.logger.Info("workflow package removed", map[string]interface{}{"workflow": name, "url": url})
	return nil
}

func (l *Loader) resolve(ctx context.Context, url string) (string, bool, error) {
	switch {
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		if !l.isAllowed(url) {
			return "", false, errors.NewDownloadFailedError(url, fmt.Errorf("url does not match any allowed_urls pattern"))
		}
		file, err := l.download(ctx, url)
		if err != nil {
			return "", false, errors.NewDownloadFailedError(url, err)
		}
		return file, true, nil

	case strings.HasPrefix(url, "file://"):
		if !l.isAllowed(url) {
			return "", false, errors.NewDownloadFailedError(url, fmt.Errorf("url does not match any allowed_urls pattern"))
		}
		file := strings.TrimPrefix(url, "file://")
		if _, err := os.Stat(file); err != nil {
			return "", false, errors.NewDownloadFailedError(url, err)
		}
		return file, false, nil

	default:
		if filepath.IsAbs(url) || strings.Contains(url, "..") {
			return "", false, errors.NewInvalidSpecificationError(
				fmt.Sprintf("workflow file %q must be a name inside the workflow store", url), nil)
		}
		file := filepath.Join(l.storePath, url)
		if _, err := os.Stat(file); err != nil {
			return "", false, errors.NewDownloadFailedError(url, err)
		}
		return file, false, nil
	}
}

func (l *Loader) isAllowed(url string) bool {
	for _, re := range l.allowed {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// download fetches url into the store. The body is written to a temporary
// file first so a half-written package is never visible under its name.
func (l *Loader) download(ctx context.Context, url string) (string, error) {
	target, err := l.downloadTarget(url)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(target); err == nil {
		return "", fmt.Errorf("workflow file %s already exists in the store", filepath.Base(target))
	}

	resp, err := l.http.Send(ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	base := filepath.Base(target)
	tmp, err := os.CreateTemp(l.storePath, "."+base+".*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return target, nil
}

// downloadTarget is the store path a downloaded url is written to.
func (l *Loader) downloadTarget(url string) (string, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return "", fmt.Errorf("%s is not a download url", url)
	}
	base := path.Base(strings.SplitN(url, "?", 2)[0])
	if base == "" || base == "/" || base == "." {
		return "", fmt.Errorf("cannot derive a file name from %s", url)
	}
	return filepath.Join(l.storePath, base), nil
}

func (l *Loader) discard(file string, downloaded bool) {
	if downloaded {
		_ = os.Remove(file)
	}
}

// Parse decodes and validates a workflow specification and builds its graph.
func Parse(name string, data []byte) (*workflow.Graph, error) {
	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.NewInvalidSpecificationError("malformed workflow yaml", err)
	}
	if raw == nil {
		return nil, errors.NewInvalidSpecificationError("empty workflow specification", nil)
	}

	result, err := validation.ValidateWorkflowSpec(raw)
	if err != nil {
		return nil, errors.NewInvalidSpecificationError("schema validation", err)
	}
	if !result.Valid {
		return nil, errors.NewInvalidSpecificationError(strings.Join(result.GetErrorMessages(), "; "), nil)
	}

	spec, err := decodeSpec(raw)
	if err != nil {
		return nil, errors.NewInvalidSpecificationError("invalid workflow specification", err)
	}
	return buildGraph(name, spec)
}

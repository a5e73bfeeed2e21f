package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3cpo-dev/labdeploy/internal/catalog"
	"github.com/3cpo-dev/labdeploy/pkg/api"
)

// BuildDashboard lists every non-local host. The i-th listed host
// (1-based) gets ports apiBase+i and uiBase+i.
func BuildDashboard(reg *catalog.Registry, apiBase, uiBase int) api.Dashboard {
	d := api.Dashboard{Systems: []api.DashboardSystem{}}
	i := 0
	for _, h := range reg.List() {
		if h.IsLocal() {
			continue
		}
		i++
		d.Systems = append(d.Systems, api.DashboardSystem{
			Name:        h.Name,
			Host:        h.Address,
			Type:        string(h.Kind),
			APIEndpoint: fmt.Sprintf("http://%s:%d", h.Address, apiBase+i),
			UIEndpoint:  fmt.Sprintf("http://%s:%d", h.Address, uiBase+i),
		})
	}
	return d
}

// writeFileAtomic replaces path through a temp file in the same directory.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// SaveDashboard writes d as indented JSON, replacing any previous file.
func SaveDashboard(path string, d api.Dashboard) error {
	b, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	if err := writeFileAtomic(path, append(b, '\n')); err != nil {
		return fmt.Errorf("write dashboard %s: %w", path, err)
	}
	return nil
}

// Copyright 2024 The Matterbridge Authors
// Licensed under the AGPLv3, see LICENCE file for details.

package frontend

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/juju/errors"

	"github.com/matterbridge/matterbridged/core/logger"
)

// Installer installs an npm package by registry name or local
// tarball path.
type Installer interface {
	Install(ctx context.Context, pkg string) error
}

// packageManifest is the subset of package.json the upload endpoint
// cares about.
type packageManifest struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

const maxUploadBytes = 256 << 20

type uploadHandler struct {
	installer Installer
	logger    logger.Logger
}

func (h *uploadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendJSONError(w, http.StatusMethodNotAllowed, errors.MethodNotAllowedf("unsupported method: %q", r.Method))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		sendJSONError(w, http.StatusBadRequest, errors.Annotate(err, "parsing upload"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, errors.Annotate(err, `missing "file" part`))
		return
	}
	defer file.Close()
	name := r.FormValue("filename")
	if name == "" {
		name = header.Filename
	}
	// The client names the file; only the base is trusted.
	name = filepath.Base(name)

	tmp, err := os.MkdirTemp("", "matterbridge-upload-")
	if err != nil {
		sendJSONError(w, http.StatusInternalServerError, errors.Trace(err))
		return
	}
	defer os.RemoveAll(tmp)

	tarball := filepath.Join(tmp, name)
	if err := saveUpload(tarball, file); err != nil {
		sendJSONError(w, http.StatusInternalServerError, errors.Trace(err))
		return
	}
	manifest, err := validatePackage(tarball, filepath.Join(tmp, "extracted"))
	if err != nil {
		sendJSONError(w, http.StatusBadRequest, errors.Annotatef(err, "validating %q", name))
		return
	}

	h.logger.Infof(r.Context(), "installing uploaded package %s %s", manifest.Name, manifest.Version)
	if err := h.installer.Install(r.Context(), tarball); err != nil {
		sendJSONError(w, http.StatusInternalServerError, errors.Annotatef(err, "installing %q", manifest.Name))
		return
	}
	sendJSON(w, http.StatusOK, map[string]string{
		"installed": manifest.Name,
		"version":   manifest.Version,
	})
}

func saveUpload(path string, src io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	if _, err := io.Copy(f, src); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.Sync())
}

// validatePackage extracts the tarball and returns its manifest. Npm
// pack tarballs root all content at "package/".
func validatePackage(tarball, dst string) (packageManifest, error) {
	var manifest packageManifest
	if err := extractTarGz(tarball, dst); err != nil {
		return manifest, errors.Trace(err)
	}
	data, err := os.ReadFile(filepath.Join(dst, "package", "package.json"))
	if err != nil {
		return manifest, errors.NotValidf("package without package.json")
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return manifest, errors.NewNotValid(err, "parsing package.json")
	}
	if manifest.Name == "" {
		return manifest, errors.NotValidf("package.json without a name")
	}
	return manifest, nil
}

// extractTarGz unpacks src under dst, refusing entries that would
// escape it.
func extractTarGz(src, dst string) error {
	f, err := os.Open(src)
	if err != nil {
		return errors.Trace(err)
	}
	defer f.Close()
	gz, err := gzip.NewReader(f)
	if err != nil {
		return errors.NewNotValid(err, "not a gzip archive")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.NewNotValid(err, "reading archive")
		}
		if !filepath.IsLocal(hdr.Name) {
			return errors.NotValidf("archive entry %q", hdr.Name)
		}
		target := filepath.Join(dst, filepath.FromSlash(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return errors.Trace(err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.Trace(err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0777)
			if err != nil {
				return errors.Trace(err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return errors.Trace(err)
			}
			if err := out.Close(); err != nil {
				return errors.Trace(err)
			}
		default:
			// Links and specials have no business in a plugin
			// package.
			return errors.NotValidf("archive entry %q of type %d", hdr.Name, hdr.Typeflag)
		}
	}
}

func sendJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func sendJSONError(w http.ResponseWriter, status int, err error) {
	sendJSON(w, status, map[string]string{"error": err.Error()})
}

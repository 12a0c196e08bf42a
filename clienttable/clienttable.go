// Package clienttable reads the client list kept by the AmneziaVPN server
// container and maps peer public keys to client names.
package clienttable

import (
	"context"
	"encoding/json"

	"github.com/spf13/afero"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
)

// Unidentified labels peers that are absent from the table.
const Unidentified = "unidentified"

type entry struct {
	ClientID string `json:"clientId"`
	UserData struct {
		ClientName string `json:"clientName"`
	} `json:"userData"`
}

type Reader struct {
	logger slog.Logger
	fs     afero.Fs
	path   string
}

func NewReader(logger slog.Logger, fs afero.Fs, path string) *Reader {
	return &Reader{
		logger: logger.Named("clienttable"),
		fs:     fs,
		path:   path,
	}
}

// Load parses the table file. The file is re-read on every call because the
// VPN server rewrites it when clients are added.
func (r *Reader) Load() (map[string]string, error) {
	raw, err := afero.ReadFile(r.fs, r.path)
	if err != nil {
		return nil, xerrors.Errorf("read %q: %w", r.path, err)
	}
	var entries []entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, xerrors.Errorf("decode %q: %w", r.path, err)
	}
	names := make(map[string]string, len(entries))
	for _, e := range entries {
		if e.ClientID == "" || e.UserData.ClientName == "" {
			continue
		}
		names[e.ClientID] = e.UserData.ClientName
	}
	return names, nil
}

// Names is Load for the polling loop: failures are logged and produce an
// empty table, so every peer ends up unidentified for that cycle.
func (r *Reader) Names(ctx context.Context) map[string]string {
	names, err := r.Load()
	if err != nil {
		r.logger.Error(ctx, "load clients table", slog.F("path", r.path), slog.Error(err))
		return map[string]string{}
	}
	return names
}

// Name returns the client name for peerID, or Unidentified.
func Name(names map[string]string, peerID string) string {
	if name, ok := names[peerID]; ok {
		return name
	}
	return Unidentified
}

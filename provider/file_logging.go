package provider

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileLoggingProvider authenticates every system_id and appends each
// delivered message to an append-only text file, reporting OK for every
// message it appends and GenericError when the file cannot be opened or
// written. It is the default PROVIDER_BUILDER used when no other downstream
// integration is configured — a stand-in for a real carrier connection,
// not a recovery mechanism.
type FileLoggingProvider struct {
	path   string
	log    *zap.Logger
	mu     sync.Mutex
	file   *os.File
	opened bool
}

// NewFileLoggingProvider returns a provider that appends to the log at
// path. It does not open the file: the file is opened (created if
// necessary) lazily on first delivery to avoid touching
// the filesystem for providers that are constructed but never used in
// tests.
func NewFileLoggingProvider(path string, log *zap.Logger) *FileLoggingProvider {
	return &FileLoggingProvider{path: path, log: log}
}

func (p *FileLoggingProvider) Authenticate(ctx context.Context, systemID, password string) (bool, error) {
	p.log.Debug("authenticating", zap.String("system_id", systemID))
	return true, nil
}

func (p *FileLoggingProvider) Deliver(ctx context.Context, sm ShortMessage) (DeliveryStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return GenericError, fmt.Errorf("provider: opening log %s: %w", p.path, err)
		}
		p.file = f
		p.opened = true
	}
	line := fmt.Sprintf("%s\t%s>%s\t%s\n", time.Now().UTC().Format(time.RFC3339), sm.SourceAddr, sm.DestinationAddr, sm.Body)
	if _, err := p.file.WriteString(line); err != nil {
		return GenericError, fmt.Errorf("provider: writing log: %w", err)
	}
	return OK, nil
}

// Close releases the underlying file handle, if one was opened.
func (p *FileLoggingProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.opened {
		return nil
	}
	return p.file.Close()
}

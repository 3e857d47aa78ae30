// Package artifactstore archives compiled contract artifacts outside the
// contract database, keyed by code id.
package artifactstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/contract-wizard/compiler-server/internal/contenthash"
)

const (
	DriverS3     = "s3"
	DriverMemory = "memory"

	wasmObject     = "contract.wasm"
	metadataObject = "metadata.json"

	wasmContentType     = "application/wasm"
	metadataContentType = "application/json"
)

var (
	ErrInvalidConfig   = errors.New("artifactstore: invalid config")
	ErrInvalidArtifact = errors.New("artifactstore: invalid artifact")
)

type Artifact struct {
	CodeID   contenthash.ID
	Wasm     []byte
	Metadata json.RawMessage
	Features []string
}

func (a Artifact) Validate() error {
	if a.CodeID.IsZero() {
		return fmt.Errorf("%w: missing code id", ErrInvalidArtifact)
	}
	if len(a.Wasm) == 0 {
		return fmt.Errorf("%w: empty wasm", ErrInvalidArtifact)
	}
	if len(a.Metadata) == 0 || !json.Valid(a.Metadata) {
		return fmt.Errorf("%w: metadata must be a json document", ErrInvalidArtifact)
	}
	return nil
}

// Store archives artifacts. The wasm object is written last so Exists only
// reports complete artifacts.
type Store interface {
	PutArtifact(ctx context.Context, a Artifact) error
	Exists(ctx context.Context, codeID contenthash.ID) (bool, error)
}

type Config struct {
	Driver string
	Prefix string

	Bucket   string
	S3Client S3Client

	Now func() time.Time
}

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

type object struct {
	data        []byte
	contentType string
	metadata    map[string]string
}

// objects is the key/value layer shared by the drivers.
type objects interface {
	put(ctx context.Context, key string, obj object) error
	head(ctx context.Context, key string) (bool, error)
}

type archive struct {
	prefix  string
	objects objects
	now     func() time.Time
}

func New(cfg Config) (Store, error) {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	a := &archive{prefix: normalizePrefix(cfg.Prefix), now: now}

	switch normalizeDriver(cfg.Driver) {
	case DriverMemory:
		a.objects = newMemoryObjects()
	case DriverS3:
		objs, err := newS3Objects(cfg)
		if err != nil {
			return nil, err
		}
		a.objects = objs
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
	return a, nil
}

func (a *archive) PutArtifact(ctx context.Context, art Artifact) error {
	if err := art.Validate(); err != nil {
		return err
	}
	id := art.CodeID.String()
	meta := map[string]string{
		"code-id":     id,
		"features":    strings.Join(art.Features, ","),
		"archived-at": a.now().UTC().Format(time.RFC3339),
	}

	if err := a.objects.put(ctx, a.key(art.CodeID, metadataObject), object{
		data:        art.Metadata,
		contentType: metadataContentType,
		metadata:    meta,
	}); err != nil {
		return fmt.Errorf("artifactstore: put metadata %s: %w", id, err)
	}
	if err := a.objects.put(ctx, a.key(art.CodeID, wasmObject), object{
		data:        art.Wasm,
		contentType: wasmContentType,
		metadata:    meta,
	}); err != nil {
		return fmt.Errorf("artifactstore: put wasm %s: %w", id, err)
	}
	return nil
}

func (a *archive) Exists(ctx context.Context, codeID contenthash.ID) (bool, error) {
	return a.objects.head(ctx, a.key(codeID, wasmObject))
}

func (a *archive) key(codeID contenthash.ID, name string) string {
	key := codeID.String() + "/" + name
	if a.prefix == "" {
		return key
	}
	return a.prefix + "/" + key
}

func normalizeDriver(v string) string {
	v = strings.TrimSpace(strings.ToLower(v))
	if v == "" {
		return DriverS3
	}
	return v
}

func normalizePrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

func cloneMetadata(v map[string]string) map[string]string {
	if len(v) == 0 {
		return nil
	}
	out := make(map[string]string, len(v))
	for k, val := range v {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		out[k] = strings.TrimSpace(val)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

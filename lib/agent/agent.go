// Package agent implements the pool agent that runs on every host and
// carries out storage commands against locally mounted pools.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/c2h5oh/datasize"
	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/onkernel/blockvol/lib/gateway"
	"github.com/onkernel/blockvol/lib/logger"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Filesystem structure under every store root:
// {root}/volumes/{volume-uuid}/
//   disk.raw        # sparse disk or template copy
//   metadata.json   # volume metadata and attachments
//
// ISO attachments are recorded per instance:
// {mountRoot}/instances/{instance-id}/iso.json

const (
	diskFile     = "disk.raw"
	metadataFile = "metadata.json"
)

var errMissingSource = errors.New("source volume not found")

// Config configures a pool agent.
type Config struct {
	HostID string
	// MountRoot is where the host mounts every pool and secondary store;
	// store paths are resolved beneath it.
	MountRoot string
	// MaxImportBytes bounds extraction of uploaded archives.
	MaxImportBytes datasize.ByteSize
	Version        string
}

type storedAttachment struct {
	InstanceID string    `json:"instance_id"`
	DeviceID   int       `json:"device_id"`
	AttachedAt time.Time `json:"attached_at"`
}

type storedMetadata struct {
	UUID        string             `json:"uuid"`
	VolumeID    uint64             `json:"volume_id"`
	Name        string             `json:"name,omitempty"`
	SizeBytes   int64              `json:"size_bytes"`
	CreatedAt   time.Time          `json:"created_at"`
	Attachments []storedAttachment `json:"attachments,omitempty"`
}

type isoRecord struct {
	Store string `json:"store"`
	Path  string `json:"path"`
}

// Server executes storage commands on this host.
type Server struct {
	cfg Config
	mu  sync.Mutex
}

var _ gateway.AgentServer = (*Server)(nil)

// New creates a pool agent rooted at cfg.MountRoot.
func New(cfg Config) (*Server, error) {
	if cfg.MountRoot == "" {
		return nil, fmt.Errorf("mount root is required")
	}
	if cfg.MaxImportBytes == 0 {
		cfg.MaxImportBytes = 1 * datasize.TB
	}
	if err := os.MkdirAll(cfg.MountRoot, 0755); err != nil {
		return nil, fmt.Errorf("create mount root: %w", err)
	}
	return &Server{cfg: cfg}, nil
}

// Ping reports that the agent is alive.
func (s *Server) Ping(ctx context.Context, req *gateway.PingRequest) (*gateway.PingResponse, error) {
	return &gateway.PingResponse{HostID: s.cfg.HostID, Version: s.cfg.Version}, nil
}

// Execute runs cmd. Failures that leave nothing behind are reported in the
// answer; the RPC itself fails only for malformed or cancelled commands.
func (s *Server) Execute(ctx context.Context, cmd *gateway.Command) (*gateway.Answer, error) {
	log := logger.FromContext(ctx).With("command", cmd.Kind, "volume_id", cmd.VolumeID, "store", cmd.Store.String())
	ctx = logger.AddToContext(ctx, log)

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		ans *gateway.Answer
		err error
	)
	switch cmd.Kind {
	case gateway.CmdCreate:
		ans, err = s.create(ctx, cmd)
	case gateway.CmdDestroy:
		ans, err = s.destroy(ctx, cmd)
	case gateway.CmdCopyVolume:
		ans, err = s.copyVolume(ctx, cmd)
	case gateway.CmdAttachVolume:
		ans, err = s.attach(ctx, cmd)
	case gateway.CmdDetachVolume:
		ans, err = s.detach(ctx, cmd)
	case gateway.CmdAttachIso:
		ans, err = s.attachIso(ctx, cmd)
	default:
		return nil, status.Errorf(codes.InvalidArgument, "unknown command %q", cmd.Kind)
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, status.FromContextError(ctxErr).Err()
	}
	if err != nil {
		log.WarnContext(ctx, "command failed", "error", err)
		return &gateway.Answer{Success: false, Details: err.Error()}, nil
	}
	log.InfoContext(ctx, "command completed", "path", ans.Path)
	ans.Success = true
	return ans, nil
}

// storeRoot resolves a store beneath the mount root.
func (s *Server) storeRoot(ref gateway.StoreRef) (string, error) {
	if ref.Path == "" {
		return "", fmt.Errorf("store %s has no path", ref)
	}
	return securejoin.SecureJoin(s.cfg.MountRoot, ref.Path)
}

func volumeRel(uuid string) string {
	return filepath.Join("volumes", uuid, diskFile)
}

func (s *Server) create(ctx context.Context, cmd *gateway.Command) (*gateway.Answer, error) {
	if cmd.VolumeUUID == "" {
		return nil, fmt.Errorf("volume uuid is required")
	}
	root, err := s.storeRoot(cmd.Store)
	if err != nil {
		return nil, err
	}
	rel := volumeRel(cmd.VolumeUUID)
	disk, err := securejoin.SecureJoin(root, rel)
	if err != nil {
		return nil, err
	}

	// A repeated Create for a volume that already landed succeeds.
	if meta, err := loadMetadata(filepath.Dir(disk)); err == nil && meta.UUID == cmd.VolumeUUID {
		return answerFor(rel, meta.SizeBytes), nil
	}

	if err := os.MkdirAll(filepath.Dir(disk), 0755); err != nil {
		return nil, fmt.Errorf("create volume directory: %w", err)
	}

	size := cmd.SizeBytes
	if cmd.Template != nil {
		src, err := s.resolve(*cmd.Template, cmd.TemplatePath)
		if err != nil {
			return nil, err
		}
		n, err := s.materialize(ctx, src, disk)
		if err != nil {
			_ = os.RemoveAll(filepath.Dir(disk))
			return nil, fmt.Errorf("copy template: %w", err)
		}
		if n > size {
			size = n
		}
		if err := os.Truncate(disk, size); err != nil {
			return nil, fmt.Errorf("grow disk: %w", err)
		}
	} else if err := createSparseDisk(disk, size); err != nil {
		_ = os.RemoveAll(filepath.Dir(disk))
		return nil, err
	}

	meta := &storedMetadata{
		UUID:      cmd.VolumeUUID,
		VolumeID:  cmd.VolumeID,
		Name:      cmd.Name,
		SizeBytes: size,
		CreatedAt: time.Now(),
	}
	if err := saveMetadata(filepath.Dir(disk), meta); err != nil {
		return nil, err
	}
	return answerFor(rel, size), nil
}

func (s *Server) destroy(ctx context.Context, cmd *gateway.Command) (*gateway.Answer, error) {
	path := cmd.Path
	if path == "" {
		path = volumeRel(cmd.VolumeUUID)
	}
	disk, err := s.resolve(cmd.Store, path)
	if err != nil {
		return nil, err
	}
	if root, _ := s.storeRoot(cmd.Store); filepath.Dir(disk) == root {
		return nil, fmt.Errorf("refusing to destroy store root for %q", path)
	}
	if meta, err := loadMetadata(filepath.Dir(disk)); err == nil && len(meta.Attachments) > 0 {
		return nil, fmt.Errorf("volume is attached to %s", meta.Attachments[0].InstanceID)
	}
	if err := os.RemoveAll(filepath.Dir(disk)); err != nil {
		return nil, fmt.Errorf("remove volume directory: %w", err)
	}
	return &gateway.Answer{Path: path}, nil
}

func (s *Server) copyVolume(ctx context.Context, cmd *gateway.Command) (*gateway.Answer, error) {
	if cmd.Dest == nil {
		return nil, fmt.Errorf("copy requires a destination store")
	}
	src, err := s.resolve(cmd.Store, cmd.Path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(src); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", errMissingSource, cmd.Path)
		}
		return nil, err
	}

	rel := cmd.DestPath
	if rel == "" {
		rel = volumeRel(cmd.VolumeUUID)
	}
	dst, err := s.resolve(*cmd.Dest, rel)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return nil, fmt.Errorf("create destination directory: %w", err)
	}
	n, err := s.materialize(ctx, src, dst)
	if err != nil {
		_ = os.RemoveAll(filepath.Dir(dst))
		return nil, fmt.Errorf("copy volume: %w", err)
	}
	meta := &storedMetadata{
		UUID:      cmd.VolumeUUID,
		VolumeID:  cmd.VolumeID,
		SizeBytes: max(n, cmd.SizeBytes),
		CreatedAt: time.Now(),
	}
	if err := saveMetadata(filepath.Dir(dst), meta); err != nil {
		return nil, err
	}
	return answerFor(rel, meta.SizeBytes), nil
}

func (s *Server) attach(ctx context.Context, cmd *gateway.Command) (*gateway.Answer, error) {
	if cmd.DeviceID == nil {
		return nil, fmt.Errorf("attach requires a device id")
	}
	disk, err := s.resolve(cmd.Store, cmd.Path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(disk)
	meta, err := loadMetadata(dir)
	if err != nil {
		return nil, err
	}
	for _, a := range meta.Attachments {
		if a.InstanceID == cmd.InstanceID && a.DeviceID == *cmd.DeviceID {
			return &gateway.Answer{Path: cmd.Path}, nil
		}
		if a.InstanceID != cmd.InstanceID {
			return nil, fmt.Errorf("volume is attached to %s", a.InstanceID)
		}
	}
	meta.Attachments = append(meta.Attachments, storedAttachment{
		InstanceID: cmd.InstanceID,
		DeviceID:   *cmd.DeviceID,
		AttachedAt: time.Now(),
	})
	if err := saveMetadata(dir, meta); err != nil {
		return nil, err
	}
	return &gateway.Answer{Path: cmd.Path}, nil
}

func (s *Server) detach(ctx context.Context, cmd *gateway.Command) (*gateway.Answer, error) {
	disk, err := s.resolve(cmd.Store, cmd.Path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(disk)
	meta, err := loadMetadata(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &gateway.Answer{Path: cmd.Path}, nil
		}
		return nil, err
	}
	kept := meta.Attachments[:0]
	for _, a := range meta.Attachments {
		if a.InstanceID != cmd.InstanceID {
			kept = append(kept, a)
		}
	}
	meta.Attachments = kept
	if err := saveMetadata(dir, meta); err != nil {
		return nil, err
	}
	return &gateway.Answer{Path: cmd.Path}, nil
}

func (s *Server) attachIso(ctx context.Context, cmd *gateway.Command) (*gateway.Answer, error) {
	iso, err := s.resolve(cmd.Store, cmd.Path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(iso); err != nil {
		return nil, fmt.Errorf("iso %s: %w", cmd.Path, err)
	}
	dir, err := securejoin.SecureJoin(s.cfg.MountRoot, filepath.Join("instances", cmd.InstanceID))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	data, err := json.Marshal(isoRecord{Store: cmd.Store.String(), Path: cmd.Path})
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(dir, "iso.json"), data, 0644); err != nil {
		return nil, fmt.Errorf("record iso attachment: %w", err)
	}
	return &gateway.Answer{Path: cmd.Path}, nil
}

// resolve joins a store-relative path beneath the store root.
func (s *Server) resolve(ref gateway.StoreRef, rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("path is required")
	}
	root, err := s.storeRoot(ref)
	if err != nil {
		return "", err
	}
	return securejoin.SecureJoin(root, rel)
}

// materialize writes src to dst, unpacking uploaded .tar.gz archives.
func (s *Server) materialize(ctx context.Context, src, dst string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	if !strings.HasSuffix(src, ".tar.gz") {
		return copyFile(ctx, f, dst)
	}

	tmp, err := os.MkdirTemp(filepath.Dir(dst), ".extract-")
	if err != nil {
		return 0, err
	}
	defer os.RemoveAll(tmp)

	image, _, err := ExtractDiskImage(f, tmp, int64(s.cfg.MaxImportBytes.Bytes()))
	if err != nil {
		return 0, err
	}
	if err := os.Rename(image, dst); err != nil {
		return 0, fmt.Errorf("move extracted image: %w", err)
	}
	st, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func copyFile(ctx context.Context, src io.Reader, dst string) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, ctxReader{ctx: ctx, r: src})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return n, err
}

// createSparseDisk creates a sparse file of the given size.
func createSparseDisk(path string, size int64) error {
	if size <= 0 {
		return fmt.Errorf("invalid disk size %d", size)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create disk: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(size); err != nil {
		return fmt.Errorf("size disk: %w", err)
	}
	return nil
}

func answerFor(rel string, size int64) *gateway.Answer {
	return &gateway.Answer{
		Path:      rel,
		Folder:    filepath.Dir(rel),
		SizeBytes: size,
	}
}

func loadMetadata(dir string) (*storedMetadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta storedMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &meta, nil
}

func saveMetadata(dir string, meta *storedMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

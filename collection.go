package vectorbase

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/heroiclabs/vectorbase/internal/compaction"
	"github.com/heroiclabs/vectorbase/internal/diskseg"
	"github.com/heroiclabs/vectorbase/internal/engine"
	"github.com/heroiclabs/vectorbase/internal/hnsw"
	"github.com/heroiclabs/vectorbase/internal/model"
	"github.com/heroiclabs/vectorbase/internal/sysid"
)

const (
	memWalName          = "mem.wal"
	immWalName          = "imm.wal"
	collectionMetaName  = "meta.json"
	idFieldName         = "_id"
	hnswSeed      int64 = 1
)

// collectionMeta is the sidecar JSON at <data_path>/<collection_name>/meta.json:
// the collection's schema plus its creation time, as opposed to a
// segment's own meta.json (internal/diskseg.Meta) inside each segment
// directory.
type collectionMeta struct {
	Schema    model.Schema `json:"schema"`
	CreatedAt int64        `json:"created_at"`
}

// Collection is the top-level façade over one mutable mem segment, an
// optional frozen imm segment, and a tiered stack of disk segments.
// It is safe for concurrent use: Add is serialized
// internally, Searcher snapshots may be taken and queried concurrently
// with further Adds.
type Collection struct {
	dir    string
	cfg    Config
	schema model.Schema

	idField   uint32
	tokenizer Tokenizer
	metric    hnsw.Metric
	vc        hnsw.VectorCodec
	hnswCfg   hnsw.Config

	log *zap.Logger

	// writeMu serializes Add end to end, including any flush-and-swap it
	// triggers.
	writeMu sync.Mutex

	mu   sync.RWMutex
	mem  *engine.Engine
	imm  *engine.Engine
	disk []*diskseg.Segment

	coord *compaction.Coordinator
}

// Open opens (or creates) a collection at cfg.DataPath/cfg.CollectionName.
// schema need not declare the system "_id" field; Open appends it if
// absent, at the next available field id. tokenizer and metric are the
// external string-tokenization and vector-distance collaborators;
// DefaultTokenizer and DefaultMetric are reasonable choices for callers
// without their own.
func Open(cfg *Config, schema Schema, tokenizer Tokenizer, metric Metric, log *zap.Logger) (*Collection, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		return nil, wrapErr(ErrIndexDirMissing, err)
	}
	if fi, err := os.Stat(cfg.DataPath); err != nil {
		return nil, wrapErr(ErrIndexDirMissing, err)
	} else if !fi.IsDir() {
		return nil, ErrDataPathNotDir
	}

	if _, ok := schema.FieldID(idFieldName); !ok {
		schema = schema.WithField(idFieldName, model.KindString)
	}
	idField, _ := schema.FieldID(idFieldName)

	dir := filepath.Join(cfg.DataPath, cfg.CollectionName)
	vc := hnsw.F32Codec{Dims: schema.Vector.Tensor.Elems()}
	hnswCfg := hnsw.DefaultConfig(cfg.HNSWM)

	c := &Collection{
		dir:       dir,
		cfg:       *cfg,
		schema:    schema,
		idField:   idField,
		tokenizer: tokenizer,
		metric:    metric,
		vc:        vc,
		hnswCfg:   hnswCfg,
		log:       log,
	}

	if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
		if err := c.openExisting(dir); err != nil {
			return nil, err
		}
	} else {
		if err := c.createFresh(dir); err != nil {
			return nil, err
		}
	}

	c.coord = compaction.New(c, log)
	return c, nil
}

func (c *Collection) openExisting(dir string) error {
	metaPath := filepath.Join(dir, collectionMetaName)
	mb, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("vectorbase: read collection meta: %w", err)
	}
	var cm collectionMeta
	if err := json.Unmarshal(mb, &cm); err != nil {
		return fmt.Errorf("vectorbase: parse collection meta: %w", err)
	}
	merged, err := c.schema.Merge(cm.Schema)
	if err != nil {
		return wrapErr(ErrSchemaMismatch, err)
	}
	c.schema = merged

	memPath := filepath.Join(dir, memWalName)
	if _, err := os.Stat(memPath); err != nil {
		return fmt.Errorf("vectorbase: collection %q missing mem wal", c.cfg.CollectionName)
	}
	mem, err := engine.Open(c.schema, c.tokenizer, memPath, c.hnswCfg, c.metric, hnswSeed)
	if err != nil {
		return fmt.Errorf("vectorbase: open mem wal: %w", err)
	}
	c.mem = mem

	immPath := filepath.Join(dir, immWalName)
	if _, err := os.Stat(immPath); err == nil {
		imm, err := engine.Open(c.schema, c.tokenizer, immPath, c.hnswCfg, c.metric, hnswSeed)
		if err != nil {
			return fmt.Errorf("vectorbase: open imm wal: %w", err)
		}
		c.imm = imm
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	var segDirs []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		segDirs = append(segDirs, e.Name())
	}
	sort.Strings(segDirs) // ULID names sort lexically in creation order

	for _, name := range segDirs {
		seg, err := diskseg.Open(filepath.Join(dir, name), c.metric, c.vc, hnswSeed)
		if err != nil {
			c.log.Error("skipping corrupt disk segment on open",
				zap.String("dir", name), zap.Error(err))
			continue
		}
		c.disk = append(c.disk, seg)
	}
	return nil
}

func (c *Collection) createFresh(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	mem, err := engine.New(c.schema, c.tokenizer, filepath.Join(dir, memWalName), c.cfg.WalFileSize, c.hnswCfg, c.metric, hnswSeed)
	if err != nil {
		return err
	}
	c.mem = mem

	cm := collectionMeta{Schema: c.schema, CreatedAt: time.Now().UnixNano()}
	mb, err := json.MarshalIndent(cm, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, collectionMetaName), mb, 0o644)
}

// Schema returns the collection's schema, including the system "_id" field.
func (c *Collection) Schema() Schema {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.schema
}

// Add assigns a system "_id" to v's payload, writes it to the mutable mem
// segment, and returns the assigned id. If mem has no room left for the
// record, Add flushes the current imm (if any) to disk, freezes mem into
// the new imm, opens a fresh mem, and retries, entirely transparently to
// the caller.
func (c *Collection) Add(v Vector) (string, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if len(v.Vector) != c.schema.Vector.Tensor.Elems() {
		return "", fmt.Errorf("vectorbase: vector has %d dims, schema expects %d", len(v.Vector), c.schema.Vector.Tensor.Elems())
	}
	for _, fv := range v.Payload.Fields {
		if int(fv.FieldID) >= len(c.schema.Fields) {
			return "", fmt.Errorf("vectorbase: payload field id %d not in schema", fv.FieldID)
		}
	}

	id := sysid.New()
	fields := make([]model.FieldValue, len(v.Payload.Fields), len(v.Payload.Fields)+1)
	copy(fields, v.Payload.Fields)
	v.Payload.Fields = append(fields, model.FieldValue{FieldID: c.idField, Value: model.StringValue(id)})

	// A record no WAL of the configured size can ever hold would otherwise
	// rotate mem forever.
	if size := int64(v.Size() + 4); size > c.cfg.WalFileSize {
		return "", fmt.Errorf("vectorbase: document of %d bytes exceeds wal_file_size %d", size, c.cfg.WalFileSize)
	}

	for {
		c.mu.RLock()
		mem := c.mem
		c.mu.RUnlock()

		_, err := mem.Add(v)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, engine.ErrWalOverflow) {
			return "", err
		}
		if err := c.rotateMem(); err != nil {
			return "", err
		}
	}
}

// rotateMem is the flush-and-swap: the current imm (if any) is flushed
// to disk synchronously to free the one imm slot, mem is
// renamed into the imm wal path and frozen, a fresh mem is opened, and a
// background flush of the newly frozen imm is kicked off.
func (c *Collection) rotateMem() error {
	if err := c.coord.FlushImm(); err != nil {
		return fmt.Errorf("vectorbase: flush imm before rotate: %w", err)
	}

	c.mu.Lock()
	oldMem := c.mem
	c.mu.Unlock()

	immPath := filepath.Join(c.dir, immWalName)
	if err := oldMem.WAL().Rename(immPath); err != nil {
		return err
	}

	memPath := filepath.Join(c.dir, memWalName)
	newMem, err := engine.New(c.schema, c.tokenizer, memPath, c.cfg.WalFileSize, c.hnswCfg, c.metric, hnswSeed)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.imm = oldMem
	c.mem = newMem
	c.mu.Unlock()

	c.coord.FlushImmAsync()
	return nil
}

// FlushImm implements compaction.Store: it persists the current imm (if
// any) into a brand-new level-0 disk segment and publishes it.
func (c *Collection) FlushImm() error {
	c.mu.RLock()
	imm := c.imm
	c.mu.RUnlock()
	if imm == nil {
		return nil
	}

	dir := c.nextSegmentDir()
	tmpDir := dir + ".tmp"
	if err := os.RemoveAll(tmpDir); err != nil {
		return err
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return err
	}

	dataPath := filepath.Join(tmpDir, diskseg.DataFileName)
	docNum, fieldRanges, err := diskseg.Persist(imm, c.vc, dataPath)
	if err != nil {
		return fmt.Errorf("vectorbase: persist imm: %w", err)
	}

	fi, err := os.Stat(dataPath)
	if err != nil {
		return err
	}
	meta := diskseg.Meta{
		Schema:         c.schema,
		CollectionName: c.cfg.CollectionName,
		FieldRanges:    fieldRanges,
		FileSize:       fi.Size(),
		DocNum:         docNum,
		Level:          0,
	}
	if err := meta.Save(filepath.Join(tmpDir, diskseg.MetaFileName)); err != nil {
		return err
	}
	if err := os.Rename(tmpDir, dir); err != nil {
		return fmt.Errorf("vectorbase: publish flushed segment: %w", err)
	}

	seg, err := diskseg.Open(dir, c.metric, c.vc, hnswSeed)
	if err != nil {
		return fmt.Errorf("vectorbase: open freshly flushed segment: %w", err)
	}

	c.mu.Lock()
	c.disk = append(c.disk, seg)
	c.imm = nil
	c.mu.Unlock()

	// The imm's WAL file now lives on as the new segment's doc block, but
	// searchers snapshotted before the swap may still hold readers on the
	// in-memory imm; release its mapping only after they drain.
	go func() {
		imm.Wait()
		if err := imm.Close(); err != nil {
			c.log.Warn("release flushed imm segment", zap.Error(err))
		}
	}()
	return nil
}

// Segments implements compaction.Store: a snapshot of the current disk
// stack.
func (c *Collection) Segments() []compaction.Segment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]compaction.Segment, len(c.disk))
	for i, s := range c.disk {
		out[i] = s
	}
	return out
}

// MergeLevel implements compaction.Store: it merges segments (all
// observed at level) into one new segment at min(level+1, MaxLevel),
// swaps them into the disk stack, and removes the old segments' files
// once every outstanding reader has released them.
func (c *Collection) MergeLevel(level int, segments []compaction.Segment) error {
	inputs := make([]*diskseg.Segment, len(segments))
	for i, s := range segments {
		seg, ok := s.(*diskseg.Segment)
		if !ok {
			return fmt.Errorf("vectorbase: unexpected segment type %T", s)
		}
		inputs[i] = seg
	}

	newLevel := level + 1
	if newLevel > compaction.MaxLevel {
		newLevel = compaction.MaxLevel
	}

	dir := c.nextSegmentDir()
	if _, err := diskseg.Merge(inputs, c.schema, c.vc, c.metric, hnswSeed, dir, newLevel, c.cfg.CollectionName); err != nil {
		return fmt.Errorf("vectorbase: merge level %d: %w", level, err)
	}
	newSeg, err := diskseg.Open(dir, c.metric, c.vc, hnswSeed)
	if err != nil {
		return fmt.Errorf("vectorbase: open merged segment: %w", err)
	}

	removed := make(map[*diskseg.Segment]bool, len(inputs))
	for _, s := range inputs {
		removed[s] = true
	}

	c.mu.Lock()
	remaining := make([]*diskseg.Segment, 0, len(c.disk)-len(inputs)+1)
	for _, s := range c.disk {
		if !removed[s] {
			remaining = append(remaining, s)
		}
	}
	c.disk = append(remaining, newSeg)
	c.mu.Unlock()

	// Searchers snapshotted before the swap still hold workers on the old
	// segments; reclaim their files once they drain, without stalling the
	// merge loop behind a long-lived reader.
	go func() {
		for _, s := range inputs {
			s.Wait()
			if err := s.Remove(); err != nil {
				c.log.Error("remove merged segment", zap.String("dir", s.Dir()), zap.Error(err))
			}
		}
	}()
	return nil
}

// nextSegmentDir allocates a fresh, lexically-sortable segment directory
// name under the collection directory.
func (c *Collection) nextSegmentDir() string {
	return filepath.Join(c.dir, ulid.Make().String())
}

// Searcher snapshots mem, the current imm (if any), and every disk
// segment into a Searcher that federates reads across all of them,
// newest disk segment first. The returned
// Searcher must be Closed to release its worker tokens.
func (c *Collection) Searcher() *Searcher {
	c.mu.RLock()
	defer c.mu.RUnlock()

	blocks := make([]blockReader, 0, 2+len(c.disk))
	blocks = append(blocks, engineBlock{c.mem.Reader()})
	if c.imm != nil {
		blocks = append(blocks, engineBlock{c.imm.Reader()})
	}
	for i := len(c.disk) - 1; i >= 0; i-- {
		blocks = append(blocks, diskBlock{c.disk[i].Reader()})
	}
	return newSearcher(blocks)
}

// Close shuts down the compaction coordinator and releases every segment's
// file handles. The Collection must not be used afterward.
func (c *Collection) Close() error {
	c.coord.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.mem.Close(); err != nil {
		return err
	}
	if c.imm != nil {
		if err := c.imm.Close(); err != nil {
			return err
		}
	}
	for _, s := range c.disk {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

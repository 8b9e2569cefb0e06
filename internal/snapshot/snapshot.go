// Package snapshot persists the full engine state: the asset manager, the
// collateral pools, the f-asset ledger and the core vault manager, plus the
// event sequence the state corresponds to. A snapshot file is zstd-compressed;
// inside is one JSON header line followed by the gob-encoded state.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fassets/internal/assetmanager"
	"fassets/internal/collateralpool"
	"fassets/internal/corevault"
	"fassets/internal/fasset"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/klauspost/compress/zstd"
)

const (
	Version = 1

	filePrefix = "snapshot-"
	fileSuffix = ".gob.zst"
)

// Header is readable without decoding the body.
type Header struct {
	Version      int       `json:"version"`
	Seq          uint64    `json:"seq"`
	TakenAt      time.Time `json:"takenAt"`
	SettingsHash string    `json:"settingsHash"`
	Agents       int       `json:"agents"`
	Tickets      int       `json:"tickets"`
	Redemptions  int       `json:"redemptions"`
}

type State struct {
	Header    Header
	Engine    assetmanager.State
	Pools     collateralpool.State
	Balances  map[common.Address]uint64
	CoreVault corevault.State
}

// Sources are the live components a snapshot is taken from and restored into.
// CoreVault may be nil.
type Sources struct {
	Engine    *assetmanager.Engine
	Pools     *collateralpool.Pools
	Token     *fasset.Ledger
	CoreVault *corevault.Manager
}

// SettingsHash fingerprints the asset settings a snapshot was taken under.
func SettingsHash(settings any) (string, error) {
	b, err := json.Marshal(settings)
	if err != nil {
		return "", err
	}
	return crypto.Keccak256Hash(b).Hex(), nil
}

// Capture exports every source while the engine is idle.
func Capture(src Sources, seq uint64, settingsHash string, now time.Time) State {
	var st State
	src.Engine.ExportWith(func(es assetmanager.State) {
		st.Engine = es
		st.Pools = src.Pools.Export()
		st.Balances = src.Token.Export()
		if src.CoreVault != nil {
			st.CoreVault = src.CoreVault.Export()
		}
	})
	st.Header = Header{
		Version:      Version,
		Seq:          seq,
		TakenAt:      now.UTC(),
		SettingsHash: settingsHash,
		Agents:       len(st.Engine.Agents),
		Tickets:      len(st.Engine.Tickets.Tickets),
		Redemptions:  len(st.Engine.Redemptions),
	}
	return st
}

// Restore loads st into src. A snapshot taken under different settings is
// refused. The engine import validates backing and runs last, so a refused
// engine state leaves an empty engine.
func (st State) Restore(src Sources, settingsHash string) error {
	if st.Header.Version != Version {
		return fmt.Errorf("snapshot version %d, want %d", st.Header.Version, Version)
	}
	if st.Header.SettingsHash != settingsHash {
		return fmt.Errorf("snapshot taken under settings %s, running %s", st.Header.SettingsHash, settingsHash)
	}
	src.Pools.Import(st.Pools)
	src.Token.Import(st.Balances)
	if src.CoreVault != nil {
		src.CoreVault.Import(st.CoreVault)
	}
	if err := src.Engine.ImportState(st.Engine); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	return nil
}

// FileName names a snapshot by sequence so names sort in sequence order.
func FileName(seq uint64) string {
	return fmt.Sprintf("%s%020d%s", filePrefix, seq, fileSuffix)
}

// Write stores st at path. The file is written under a temporary name and
// renamed, so readers never see a partial snapshot.
func Write(path string, st State) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := encode(f, st); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, st State) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(st.Header)
	if err != nil {
		return err
	}
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&st); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func openReader(path string) (*bufio.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	return bufio.NewReaderSize(dec, 256*1024), func() {
		dec.Close()
		_ = f.Close()
	}, nil
}

func Read(path string) (State, error) {
	var st State
	br, closeFn, err := openReader(path)
	if err != nil {
		return st, err
	}
	defer closeFn()

	if _, err := br.ReadBytes('\n'); err != nil {
		return st, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&st); err != nil {
		return st, fmt.Errorf("gob decode: %w", err)
	}
	return st, nil
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var h Header
	br, closeFn, err := openReader(path)
	if err != nil {
		return h, err
	}
	defer closeFn()

	line, err := br.ReadBytes('\n')
	if err != nil {
		return h, fmt.Errorf("read header: %w", err)
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, fmt.Errorf("decode header: %w", err)
	}
	return h, nil
}

// List returns snapshot paths in dir, oldest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		out = append(out, filepath.Join(dir, name))
	}
	sort.Strings(out)
	return out, nil
}

// Latest returns the newest snapshot path in dir, or "" when there is none.
func Latest(dir string) (string, error) {
	paths, err := List(dir)
	if err != nil || len(paths) == 0 {
		return "", err
	}
	return paths[len(paths)-1], nil
}

// Prune keeps the newest keep snapshots in dir and removes the rest.
func Prune(dir string, keep int) error {
	paths, err := List(dir)
	if err != nil {
		return err
	}
	for len(paths) > max(keep, 1) {
		if err := os.Remove(paths[0]); err != nil {
			return err
		}
		paths = paths[1:]
	}
	return nil
}

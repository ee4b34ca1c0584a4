package jit

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/vmihailenco/msgpack/v5"

	"ember/internal/bytecode"
	"ember/internal/jit/codegen"
)

// Current schema version - increment when the cached unit format or any
// template changes.
const cacheSchemaVersion uint16 = 1

// Key identifies one compiled unit independently of the process that built
// it.
type Key [sha256.Size]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// Cache stores compiled units on disk so later runs skip code generation.
// Writers and readers in different processes serialize on a lock file per
// entry.
type Cache struct {
	dir string
}

// cachedUnit is the on-disk form of a Unit.
type cachedUnit struct {
	Schema   uint16
	Arch     string
	Kind     uint8
	Header   int
	End      int
	Code     []byte
	Entries  []int32
	Exits    []cachedExit
	Locals   int
	StackMap []bytecode.StackMapEntry
	Consts   []uint64
}

type cachedExit struct {
	Kind     uint8
	PC       int
	Trap     uint8
	NativePC uint32
}

// OpenCache prepares dir for use; an empty dir selects the user cache
// directory.
func OpenCache(dir string) (*Cache, error) {
	if dir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(base, "ember", "jit")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &Cache{dir: dir}, nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string { return c.dir }

func (c *Cache) pathFor(k Key) string {
	return filepath.Join(c.dir, k.String()+".mp")
}

// UnitKey hashes everything the generated code depends on: the target, the
// unit's region, the function's signature and body, and the arity of every
// callee.
func UnitKey(arch string, m *bytecode.Module, fn *bytecode.Function, kind codegen.Kind, header int) Key {
	h := sha256.New()
	var buf [8]byte
	putInt := func(v int64) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}
	putInt(int64(cacheSchemaVersion))
	h.Write([]byte(arch))
	putInt(int64(kind))
	putInt(int64(header))
	putInt(int64(fn.Result))
	putInt(int64(len(fn.Params)))
	for _, t := range fn.Locals {
		putInt(int64(t))
	}
	for _, in := range fn.Code {
		putInt(int64(in.Op)<<8 | int64(in.Type))
		putInt(in.Arg)
		if in.Op == bytecode.OpCall {
			putInt(int64(m.Functions[in.Index()].Arity()))
		}
	}
	var k Key
	copy(k[:], h.Sum(nil))
	return k
}

// Put writes u under k, replacing any previous entry atomically.
func (c *Cache) Put(k Key, u *Unit) error {
	if c == nil {
		return nil
	}
	p := c.pathFor(k)
	lock := flock.New(p + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.CreateTemp(c.dir, "tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(f.Name()) }()

	if err := msgpack.NewEncoder(f).Encode(toCached(u)); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(f.Name(), p)
}

// Get loads the entry for k into a non-executable unit for fn. A missing
// entry or one from another schema reports false.
func (c *Cache) Get(k Key, fn *bytecode.Function) (*Unit, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	p := c.pathFor(k)
	lock := flock.New(p + ".lock")
	if err := lock.RLock(); err != nil {
		return nil, false, err
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	defer f.Close()

	var cu cachedUnit
	if err := msgpack.NewDecoder(f).Decode(&cu); err != nil {
		return nil, false, fmt.Errorf("jit cache %s: %w", k, err)
	}
	if cu.Schema != cacheSchemaVersion || len(cu.Entries) != len(fn.Code) {
		return nil, false, nil
	}
	return fromCached(&cu, fn), true, nil
}

func toCached(u *Unit) *cachedUnit {
	cu := &cachedUnit{
		Schema:  cacheSchemaVersion,
		Arch:    u.Arch,
		Kind:    uint8(u.Kind),
		Header:  u.Loop.Header,
		End:     u.Loop.End,
		Code:    u.Code,
		Entries: u.Entries,
		Consts:  u.Consts,
	}
	for _, ex := range u.Exits {
		cu.Exits = append(cu.Exits, cachedExit{Kind: uint8(ex.Kind), PC: ex.PC, Trap: uint8(ex.Trap), NativePC: ex.NativePC})
	}
	if u.StackMap != nil {
		cu.Locals = u.StackMap.Locals
		cu.StackMap = u.StackMap.Entries
	}
	return cu
}

func fromCached(cu *cachedUnit, fn *bytecode.Function) *Unit {
	u := &Unit{
		Kind:     codegen.Kind(cu.Kind),
		Fn:       fn,
		Loop:     bytecode.Loop{Header: cu.Header, End: cu.End},
		Arch:     cu.Arch,
		Code:     cu.Code,
		Entries:  cu.Entries,
		Consts:   cu.Consts,
		StackMap: &bytecode.StackMap{Locals: cu.Locals, Entries: cu.StackMap},
	}
	for _, ex := range cu.Exits {
		u.Exits = append(u.Exits, codegen.Exit{
			Kind:     codegen.ExitKind(ex.Kind),
			PC:       ex.PC,
			Trap:     codegen.TrapCode(ex.Trap),
			NativePC: ex.NativePC,
		})
	}
	return u
}

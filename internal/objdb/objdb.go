// Package objdb is the context object DB: per-kind maps from a
// device-assigned ID to the owning Go object, consulted by the channel's
// event router to find who a per-object event (copy complete, devnet
// destroyed, ...) belongs to. Inference requests are keyed by
// (networkID, id) since their IDs are only unique within their network.
package objdb

import "sync"

// DB holds one map per child-object kind a context can own.
type DB struct {
	mu       sync.Mutex
	copies   map[uint16]any
	devres   map[uint16]any
	networks map[uint16]any
	infreqs  map[idPair]any
	cmdlists map[uint16]any
}

type idPair struct {
	networkID uint16
	id        uint16
}

// New returns an empty object DB.
func New() *DB {
	return &DB{
		copies:   make(map[uint16]any),
		devres:   make(map[uint16]any),
		networks: make(map[uint16]any),
		infreqs:  make(map[idPair]any),
		cmdlists: make(map[uint16]any),
	}
}

func (db *DB) InsertCopy(id uint16, obj any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.copies[id] = obj
}

func (db *DB) RemoveCopy(id uint16) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.copies, id)
}

func (db *DB) GetCopy(id uint16) (any, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	obj, ok := db.copies[id]
	return obj, ok
}

func (db *DB) InsertDevRes(id uint16, obj any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.devres[id] = obj
}

func (db *DB) RemoveDevRes(id uint16) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.devres, id)
}

func (db *DB) GetDevRes(id uint16) (any, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	obj, ok := db.devres[id]
	return obj, ok
}

func (db *DB) InsertDevNet(id uint16, obj any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.networks[id] = obj
}

func (db *DB) RemoveDevNet(id uint16) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.networks, id)
}

func (db *DB) GetDevNet(id uint16) (any, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	obj, ok := db.networks[id]
	return obj, ok
}

func (db *DB) InsertInfReq(networkID, id uint16, obj any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.infreqs[idPair{networkID, id}] = obj
}

func (db *DB) RemoveInfReq(networkID, id uint16) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.infreqs, idPair{networkID, id})
}

func (db *DB) GetInfReq(networkID, id uint16) (any, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	obj, ok := db.infreqs[idPair{networkID, id}]
	return obj, ok
}

func (db *DB) InsertCommandList(id uint16, obj any) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.cmdlists[id] = obj
}

func (db *DB) RemoveCommandList(id uint16) {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.cmdlists, id)
}

func (db *DB) GetCommandList(id uint16) (any, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	obj, ok := db.cmdlists[id]
	return obj, ok
}

// ClearAll drops every entry, used when a card-fatal-driver event fires:
// the card is gone, so every child object's on-card state is meaningless.
func (db *DB) ClearAll() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.copies = make(map[uint16]any)
	db.devres = make(map[uint16]any)
	db.networks = make(map[uint16]any)
	db.infreqs = make(map[idPair]any)
	db.cmdlists = make(map[uint16]any)
}

// ForEachCopy invokes cb for every live copy command, used to fail all
// scheduled copies on a card-fatal-driver event.
func (db *DB) ForEachCopy(cb func(obj any)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, obj := range db.copies {
		cb(obj)
	}
}

// ForEachCommandList invokes cb for every live command list, used to
// complete all in-flight lists on a critical error.
func (db *DB) ForEachCommandList(cb func(obj any)) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for _, obj := range db.cmdlists {
		cb(obj)
	}
}

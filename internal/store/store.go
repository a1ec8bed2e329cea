// Package store persists servers, encrypted tokens, cached tool schemas,
// and in-flight OAuth state records in a bbolt database. It is the source
// of truth for tokens: concurrent refreshes are arbitrated by its
// transactional upsert, with in-process locks as an optimization only.
package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	apperrors "toolgate/internal/errors"
	"toolgate/internal/models"
)

const (
	// dirPerm is the permission mode for the database directory.
	dirPerm = fs.FileMode(0o700)

	// filePerm is the permission mode for the database file. It holds
	// encrypted credentials, so group/world access is never allowed.
	filePerm = fs.FileMode(0o600)

	// openTimeout is the maximum time to wait for the bolt file lock.
	openTimeout = 5 * time.Second
)

var (
	serversBucket   = []byte("servers")      // server ID -> RemoteServer
	serverURLBucket = []byte("server_urls")  // userID|baseURL -> server ID
	tokensBucket    = []byte("tokens")       // serverID|userID -> TokenRecord
	toolsBucket     = []byte("tools")        // serverID|toolName -> CachedToolSchema
	statesBucket    = []byte("oauth_states") // state -> StateRecord
)

// pairKey builds a composite bucket key. Server IDs are UUIDs and user
// IDs come from configured credentials, neither of which contains '|'.
func pairKey(a, b string) []byte {
	return []byte(a + "|" + b)
}

// Store wraps a bbolt database for all persistent application state.
type Store struct {
	db *bolt.DB
}

// Open opens the database at the given path, creating it and all
// buckets if they do not exist.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, filePerm, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{serversBucket, serverURLBucket, tokensBucket, toolsBucket, statesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Servers ---

// CreateServer persists a new server. It fails if a server with the
// same (userID, baseURL) already exists.
func (s *Store) CreateServer(srv models.RemoteServer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		urls := tx.Bucket(serverURLBucket)

		urlKey := pairKey(srv.UserID, srv.BaseURL)
		if existing := urls.Get(urlKey); existing != nil {
			return fmt.Errorf("%s: %w", srv.BaseURL, apperrors.ErrServerExists)
		}

		data, err := json.Marshal(srv)
		if err != nil {
			return err
		}

		if err := tx.Bucket(serversBucket).Put([]byte(srv.ID), data); err != nil {
			return err
		}

		return urls.Put(urlKey, []byte(srv.ID))
	})
}

// UpdateServer replaces a server row. The (userID, baseURL) pair is
// immutable after creation, so the URL index is untouched.
func (s *Store) UpdateServer(srv models.RemoteServer) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(serversBucket)
		if b.Get([]byte(srv.ID)) == nil {
			return fmt.Errorf("server %s does not exist", srv.ID)
		}

		data, err := json.Marshal(srv)
		if err != nil {
			return err
		}

		return b.Put([]byte(srv.ID), data)
	})
}

// GetServer returns a server by ID, or nil if not found.
func (s *Store) GetServer(id string) (*models.RemoteServer, error) {
	var srv *models.RemoteServer

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(serversBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		srv = &models.RemoteServer{}

		return json.Unmarshal(v, srv)
	})

	return srv, err
}

// GetServerByURL returns a user's server by base URL, or nil if not found.
func (s *Store) GetServerByURL(userID, baseURL string) (*models.RemoteServer, error) {
	var srv *models.RemoteServer

	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(serverURLBucket).Get(pairKey(userID, baseURL))
		if id == nil {
			return nil
		}

		v := tx.Bucket(serversBucket).Get(id)
		if v == nil {
			return nil
		}

		srv = &models.RemoteServer{}

		return json.Unmarshal(v, srv)
	})

	return srv, err
}

// ListServers returns all servers owned by a user.
func (s *Store) ListServers(userID string) ([]models.RemoteServer, error) {
	var servers []models.RemoteServer

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(serversBucket).ForEach(func(_, v []byte) error {
			var srv models.RemoteServer
			if err := json.Unmarshal(v, &srv); err != nil {
				return err
			}

			if srv.UserID == userID {
				servers = append(servers, srv)
			}

			return nil
		})
	})

	return servers, err
}

// SetServerStatus updates only the persisted connection status.
func (s *Store) SetServerStatus(id string, status models.Status) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(serversBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("server %s does not exist", id)
		}

		var srv models.RemoteServer
		if err := json.Unmarshal(v, &srv); err != nil {
			return err
		}

		srv.Status = status

		data, err := json.Marshal(srv)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// DeleteServer removes a server and cascades to its tokens and cached
// tool schemas in a single transaction.
func (s *Store) DeleteServer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		servers := tx.Bucket(serversBucket)

		v := servers.Get([]byte(id))
		if v == nil {
			return nil
		}

		var srv models.RemoteServer
		if err := json.Unmarshal(v, &srv); err != nil {
			return err
		}

		if err := servers.Delete([]byte(id)); err != nil {
			return err
		}

		if err := tx.Bucket(serverURLBucket).Delete(pairKey(srv.UserID, srv.BaseURL)); err != nil {
			return err
		}

		if err := deleteByPrefix(tx.Bucket(tokensBucket), []byte(id+"|")); err != nil {
			return err
		}

		return deleteByPrefix(tx.Bucket(toolsBucket), []byte(id+"|"))
	})
}

// deleteByPrefix removes every key in the bucket with the given prefix.
func deleteByPrefix(b *bolt.Bucket, prefix []byte) error {
	c := b.Cursor()

	var keys [][]byte
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}

	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}

	return nil
}

// --- Tokens ---

// UpsertToken writes the token record for its (server, user) pair after
// removing any previous record. Ciphertext, expiry, and last-refreshed
// always change together, in one transaction.
func (s *Store) UpsertToken(rec models.TokenRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(tokensBucket).Put(pairKey(rec.ServerID, rec.UserID), data)
	})
}

// GetToken returns the token record for a (server, user) pair, or nil
// if none exists.
func (s *Store) GetToken(serverID, userID string) (*models.TokenRecord, error) {
	var rec *models.TokenRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tokensBucket).Get(pairKey(serverID, userID))
		if v == nil {
			return nil
		}

		rec = &models.TokenRecord{}

		return json.Unmarshal(v, rec)
	})

	return rec, err
}

// DeleteToken removes the token record for a (server, user) pair.
func (s *Store) DeleteToken(serverID, userID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tokensBucket).Delete(pairKey(serverID, userID))
	})
}

// --- Cached tool schemas ---

// ReplaceTools replaces the cached tool set for a server. Rediscovery
// refreshes rather than duplicates; an empty slice clears the set.
func (s *Store) ReplaceTools(serverID string, tools []models.CachedToolSchema) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(toolsBucket)

		if err := deleteByPrefix(b, []byte(serverID+"|")); err != nil {
			return err
		}

		for _, tool := range tools {
			data, err := json.Marshal(tool)
			if err != nil {
				return err
			}

			if err := b.Put(pairKey(serverID, tool.Name), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// ToolsForServer returns the cached tool schemas for a server.
func (s *Store) ToolsForServer(serverID string) ([]models.CachedToolSchema, error) {
	var tools []models.CachedToolSchema

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(toolsBucket).Cursor()

		prefix := []byte(serverID + "|")
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var tool models.CachedToolSchema
			if err := json.Unmarshal(v, &tool); err != nil {
				return err
			}

			tools = append(tools, tool)
		}

		return nil
	})

	return tools, err
}

// DeleteToolsForServer removes every cached tool schema for a server.
func (s *Store) DeleteToolsForServer(serverID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return deleteByPrefix(tx.Bucket(toolsBucket), []byte(serverID+"|"))
	})
}

// --- OAuth state records ---

// SaveState persists an in-flight OAuth state record.
func (s *Store) SaveState(rec models.StateRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(statesBucket).Put([]byte(rec.State), data)
	})
}

// ConsumeState retrieves and deletes a state record in one transaction.
// Returns nil if the state is unknown, already consumed, or expired:
// a state is accepted at most once within its window.
func (s *Store) ConsumeState(state string) (*models.StateRecord, error) {
	if state == "" {
		return nil, nil
	}

	var rec *models.StateRecord

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statesBucket)

		v := b.Get([]byte(state))
		if v == nil {
			return nil
		}

		if err := b.Delete([]byte(state)); err != nil {
			return err
		}

		var r models.StateRecord
		if err := json.Unmarshal(v, &r); err != nil {
			return err
		}

		if time.Now().After(r.ExpiresAt) {
			return nil
		}

		rec = &r

		return nil
	})

	return rec, err
}

// PruneExpiredStates removes state records whose window has passed, so
// abandoned OAuth attempts do not accumulate.
func (s *Store) PruneExpiredStates() (int, error) {
	pruned := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(statesBucket)
		now := time.Now()

		var expired [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var r models.StateRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}

			if now.After(r.ExpiresAt) {
				expired = append(expired, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		pruned = len(expired)

		return nil
	})

	return pruned, err
}

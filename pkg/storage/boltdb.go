package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/surgehq/surge/pkg/types"
)

var (
	// Bucket names
	bucketGroups        = []byte("groups")
	bucketLaunchConfigs = []byte("launch_configs")
	bucketPolicies      = []byte("policies")
	bucketWebhooks      = []byte("webhooks")
	bucketWebhookTokens = []byte("webhook_tokens")
	bucketServers       = []byte("servers")
	bucketTasks         = []byte("tasks")
	bucketAudit         = []byte("audit")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (and, when bootstrap is set, creates the schema of)
// a BoltDB-backed store under dataDir.
func NewBoltStore(dataDir string, bootstrap bool) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "surge.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	buckets := [][]byte{
		bucketGroups,
		bucketLaunchConfigs,
		bucketPolicies,
		bucketWebhooks,
		bucketWebhookTokens,
		bucketServers,
		bucketTasks,
		bucketAudit,
	}

	if bootstrap {
		err = db.Update(func(tx *bolt.Tx) error {
			for _, bucket := range buckets {
				if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
					return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
				}
			}
			return nil
		})
	} else {
		err = db.View(func(tx *bolt.Tx) error {
			for _, bucket := range buckets {
				if tx.Bucket(bucket) == nil {
					return fmt.Errorf("missing bucket %s (run with bootstrap enabled)", bucket)
				}
			}
			return nil
		})
	}

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func put(b *bolt.Bucket, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get(b *bolt.Bucket, key string, v interface{}) error {
	data := b.Get([]byte(key))
	if data == nil {
		return ErrNotFound
	}
	return json.Unmarshal(data, v)
}

// Group operations

func (s *BoltStore) CreateGroup(group *types.ScalingGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		if b.Get([]byte(group.ID)) != nil {
			return fmt.Errorf("group %s already exists", group.ID)
		}
		group.Version = 1
		now := time.Now()
		group.CreatedAt = now
		group.UpdatedAt = now
		return put(b, group.ID, group)
	})
}

func (s *BoltStore) GetGroup(id string) (*types.ScalingGroup, error) {
	var group types.ScalingGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketGroups), id, &group)
	})
	if err != nil {
		return nil, err
	}
	return &group, nil
}

func (s *BoltStore) ListGroups() ([]*types.ScalingGroup, error) {
	var groups []*types.ScalingGroup
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var group types.ScalingGroup
			if err := json.Unmarshal(v, &group); err != nil {
				return err
			}
			groups = append(groups, &group)
			return nil
		})
	})
	return groups, err
}

func (s *BoltStore) ListGroupsByTenant(tenantID string) ([]*types.ScalingGroup, error) {
	all, err := s.ListGroups()
	if err != nil {
		return nil, err
	}
	var groups []*types.ScalingGroup
	for _, g := range all {
		if g.TenantID == tenantID {
			groups = append(groups, g)
		}
	}
	return groups, nil
}

// UpdateGroup performs a conditional write: it fails with ErrStaleVersion
// unless group.Version matches the stored record, and bumps the version on
// success.
func (s *BoltStore) UpdateGroup(group *types.ScalingGroup) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		var current types.ScalingGroup
		if err := get(b, group.ID, &current); err != nil {
			return err
		}
		if current.Version != group.Version {
			return ErrStaleVersion
		}
		group.Version++
		group.UpdatedAt = time.Now()
		return put(b, group.ID, group)
	})
}

func (s *BoltStore) DeleteGroup(id string, force bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketGroups)
		var group types.ScalingGroup
		if err := get(b, id, &group); err != nil {
			return err
		}

		if !force {
			if group.DesiredCapacity > 0 {
				return ErrGroupNotEmpty
			}
			empty := true
			err := tx.Bucket(bucketServers).ForEach(func(k, v []byte) error {
				var server types.ServerState
				if err := json.Unmarshal(v, &server); err != nil {
					return err
				}
				if server.GroupID == id {
					empty = false
				}
				return nil
			})
			if err != nil {
				return err
			}
			if !empty {
				return ErrGroupNotEmpty
			}
		}

		// Cascade to owned records; tasks and audit are retained for
		// history.
		if group.LaunchConfigID != "" {
			if err := tx.Bucket(bucketLaunchConfigs).Delete([]byte(group.LaunchConfigID)); err != nil {
				return err
			}
		}
		policies := tx.Bucket(bucketPolicies)
		webhooks := tx.Bucket(bucketWebhooks)
		tokens := tx.Bucket(bucketWebhookTokens)
		var hookKeys [][]byte
		var hookTokens []string
		err := webhooks.ForEach(func(k, v []byte) error {
			var hook types.Webhook
			if err := json.Unmarshal(v, &hook); err != nil {
				return err
			}
			if hook.GroupID == id {
				hookKeys = append(hookKeys, append([]byte(nil), k...))
				hookTokens = append(hookTokens, hook.Token)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for i, k := range hookKeys {
			if err := tokens.Delete([]byte(hookTokens[i])); err != nil {
				return err
			}
			if err := webhooks.Delete(k); err != nil {
				return err
			}
		}
		for _, policyID := range group.PolicyIDs {
			if err := policies.Delete([]byte(policyID)); err != nil {
				return err
			}
		}

		return b.Delete([]byte(id))
	})
}

// Launch config operations

func (s *BoltStore) PutLaunchConfig(cfg *types.LaunchConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if cfg.CreatedAt.IsZero() {
			cfg.CreatedAt = time.Now()
		}
		cfg.UpdatedAt = time.Now()
		return put(tx.Bucket(bucketLaunchConfigs), cfg.ID, cfg)
	})
}

func (s *BoltStore) GetLaunchConfig(id string) (*types.LaunchConfig, error) {
	var cfg types.LaunchConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketLaunchConfigs), id, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) DeleteLaunchConfig(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLaunchConfigs).Delete([]byte(id))
	})
}

// Policy operations

func (s *BoltStore) PutPolicy(policy *types.ScalingPolicy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if policy.CreatedAt.IsZero() {
			policy.CreatedAt = time.Now()
		}
		policy.UpdatedAt = time.Now()
		return put(tx.Bucket(bucketPolicies), policy.ID, policy)
	})
}

func (s *BoltStore) GetPolicy(id string) (*types.ScalingPolicy, error) {
	var policy types.ScalingPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketPolicies), id, &policy)
	})
	if err != nil {
		return nil, err
	}
	return &policy, nil
}

func (s *BoltStore) ListPoliciesByGroup(groupID string) ([]*types.ScalingPolicy, error) {
	var policies []*types.ScalingPolicy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).ForEach(func(k, v []byte) error {
			var policy types.ScalingPolicy
			if err := json.Unmarshal(v, &policy); err != nil {
				return err
			}
			if policy.GroupID == groupID {
				policies = append(policies, &policy)
			}
			return nil
		})
	})
	return policies, err
}

func (s *BoltStore) DeletePolicy(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPolicies).Delete([]byte(id))
	})
}

// Webhook operations

func (s *BoltStore) CreateWebhook(webhook *types.Webhook) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketWebhookTokens)
		if tokens.Get([]byte(webhook.Token)) != nil {
			return ErrTokenExists
		}
		if webhook.CreatedAt.IsZero() {
			webhook.CreatedAt = time.Now()
		}
		if err := put(tx.Bucket(bucketWebhooks), webhook.ID, webhook); err != nil {
			return err
		}
		return tokens.Put([]byte(webhook.Token), []byte(webhook.ID))
	})
}

func (s *BoltStore) GetWebhook(id string) (*types.Webhook, error) {
	var hook types.Webhook
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketWebhooks), id, &hook)
	})
	if err != nil {
		return nil, err
	}
	return &hook, nil
}

func (s *BoltStore) GetWebhookByToken(token string) (*types.Webhook, error) {
	var hook types.Webhook
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketWebhookTokens).Get([]byte(token))
		if id == nil {
			return ErrNotFound
		}
		return get(tx.Bucket(bucketWebhooks), string(id), &hook)
	})
	if err != nil {
		return nil, err
	}
	return &hook, nil
}

func (s *BoltStore) ListWebhooksByPolicy(policyID string) ([]*types.Webhook, error) {
	var hooks []*types.Webhook
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWebhooks).ForEach(func(k, v []byte) error {
			var hook types.Webhook
			if err := json.Unmarshal(v, &hook); err != nil {
				return err
			}
			if hook.PolicyID == policyID {
				hooks = append(hooks, &hook)
			}
			return nil
		})
	})
	return hooks, err
}

func (s *BoltStore) DeleteWebhook(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWebhooks)
		var hook types.Webhook
		if err := get(b, id, &hook); err != nil {
			return err
		}
		if err := tx.Bucket(bucketWebhookTokens).Delete([]byte(hook.Token)); err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
}

// Server state operations

func (s *BoltStore) PutServerState(server *types.ServerState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx.Bucket(bucketServers), server.ID, server)
	})
}

func (s *BoltStore) GetServerState(id string) (*types.ServerState, error) {
	var server types.ServerState
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketServers), id, &server)
	})
	if err != nil {
		return nil, err
	}
	return &server, nil
}

func (s *BoltStore) ListServersByGroup(groupID string) ([]*types.ServerState, error) {
	var servers []*types.ServerState
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(k, v []byte) error {
			var server types.ServerState
			if err := json.Unmarshal(v, &server); err != nil {
				return err
			}
			if server.GroupID == groupID {
				servers = append(servers, &server)
			}
			return nil
		})
	})
	return servers, err
}

func (s *BoltStore) DeleteServerState(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).Delete([]byte(id))
	})
}

// Task operations

// CreateTask enforces the single in-flight task invariant: it fails with
// ErrTaskInFlight if the group already has a non-terminal task.
func (s *BoltStore) CreateTask(task *types.ConvergenceTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		inFlight := false
		err := b.ForEach(func(k, v []byte) error {
			var existing types.ConvergenceTask
			if err := json.Unmarshal(v, &existing); err != nil {
				return err
			}
			if existing.GroupID == task.GroupID && !existing.Status.Terminal() {
				inFlight = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if inFlight {
			return ErrTaskInFlight
		}
		task.Version = 1
		task.CreatedAt = time.Now()
		return put(b, task.ID, task)
	})
}

func (s *BoltStore) GetTask(id string) (*types.ConvergenceTask, error) {
	var task types.ConvergenceTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx.Bucket(bucketTasks), id, &task)
	})
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *BoltStore) ListTasksByGroup(groupID string) ([]*types.ConvergenceTask, error) {
	var tasks []*types.ConvergenceTask
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.ConvergenceTask
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if task.GroupID == groupID {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	return tasks, err
}

// ActiveTaskForGroup returns the group's non-terminal task, or ErrNotFound
// if convergence is idle.
func (s *BoltStore) ActiveTaskForGroup(groupID string) (*types.ConvergenceTask, error) {
	tasks, err := s.ListTasksByGroup(groupID)
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if !task.Status.Terminal() {
			return task, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateTask performs a conditional write keyed on task.Version.
func (s *BoltStore) UpdateTask(task *types.ConvergenceTask) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTasks)
		var current types.ConvergenceTask
		if err := get(b, task.ID, &current); err != nil {
			return err
		}
		if current.Version != task.Version {
			return ErrStaleVersion
		}
		task.Version++
		return put(b, task.ID, task)
	})
}

// Audit operations

func (s *BoltStore) AppendAudit(record *types.AuditRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if record.Timestamp.IsZero() {
			record.Timestamp = time.Now()
		}
		// Key by timestamp then id so range scans come back in commit
		// order.
		key := record.Timestamp.UTC().Format(time.RFC3339Nano) + "/" + record.ID
		return put(tx.Bucket(bucketAudit), key, record)
	})
}

func (s *BoltStore) ListAuditByTask(taskID string) ([]*types.AuditRecord, error) {
	return s.listAudit(func(r *types.AuditRecord) bool { return r.TaskID == taskID })
}

func (s *BoltStore) ListAuditByGroup(groupID string) ([]*types.AuditRecord, error) {
	return s.listAudit(func(r *types.AuditRecord) bool { return r.GroupID == groupID })
}

func (s *BoltStore) listAudit(match func(*types.AuditRecord) bool) ([]*types.AuditRecord, error) {
	var records []*types.AuditRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAudit).ForEach(func(k, v []byte) error {
			var record types.AuditRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if match(&record) {
				records = append(records, &record)
			}
			return nil
		})
	})
	return records, err
}

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/state"
	"github.com/crmarques/fabricsync/store"
)

const resourceColumns = `fabric_id, kind, namespace, name, path, content_hash, git_hash, fabric_hash,
	fabric_version, state, source, source_file, error_message, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanResource(row rowScanner) (store.ManagedResource, error) {
	var (
		resource  store.ManagedResource
		kindName  string
		current   string
		source    string
		updatedAt int64
	)
	if err := row.Scan(
		&resource.FabricID,
		&kindName,
		&resource.Identity.Namespace,
		&resource.Identity.Name,
		&resource.Path,
		&resource.ContentHash,
		&resource.GitHash,
		&resource.FabricHash,
		&resource.FabricVersion,
		&current,
		&source,
		&resource.SourceFile,
		&resource.ErrorMessage,
		&updatedAt,
	); err != nil {
		return store.ManagedResource{}, err
	}
	kind, ok := manifest.ParseKind(kindName)
	if !ok {
		return store.ManagedResource{}, faults.Internal(fmt.Sprintf("stored resource has unknown kind %q", kindName), nil)
	}
	resource.Identity.Kind = kind
	resource.State = state.ResourceState(current)
	resource.Source = store.Source(source)
	resource.UpdatedAt = fromNanos(updatedAt)
	return resource, nil
}

func getResource(ctx context.Context, q queryer, fabricID string, id manifest.Identity) (store.ManagedResource, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+resourceColumns+` FROM managed_resources
		WHERE fabric_id = ? AND kind = ? AND namespace = ? AND name = ?
	`, fabricID, id.Kind.String(), id.Namespace, id.Name)
	resource, err := scanResource(row)
	if err != nil {
		if isNoRows(err) {
			return store.ManagedResource{}, false, nil
		}
		return store.ManagedResource{}, false, faults.Internal(fmt.Sprintf("failed to read resource %s", id), err)
	}
	return resource, true, nil
}

func (s *Store) GetResource(ctx context.Context, fabricID string, id manifest.Identity) (store.ManagedResource, error) {
	resource, exists, err := getResource(ctx, s.db, fabricID, id)
	if err != nil {
		return store.ManagedResource{}, err
	}
	if !exists {
		return store.ManagedResource{}, faults.NotFound(fmt.Sprintf("resource %s not found in fabric %q", id, fabricID))
	}
	return resource, nil
}

func (s *Store) ListResources(ctx context.Context, fabricID string) ([]store.ManagedResource, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+resourceColumns+` FROM managed_resources
		WHERE fabric_id = ? ORDER BY kind, namespace, name
	`, fabricID)
	if err != nil {
		return nil, faults.Internal(fmt.Sprintf("failed to list resources of fabric %q", fabricID), err)
	}
	defer rows.Close()

	var resources []store.ManagedResource
	for rows.Next() {
		resource, err := scanResource(rows)
		if err != nil {
			return nil, faults.Internal("failed to scan resource", err)
		}
		resources = append(resources, resource)
	}
	if err := rows.Err(); err != nil {
		return nil, faults.Internal(fmt.Sprintf("failed to list resources of fabric %q", fabricID), err)
	}
	return resources, nil
}

func (s *Store) UpdateResource(
	ctx context.Context,
	fabricID string,
	id manifest.Identity,
	fn store.ResourceUpdateFunc,
) (store.ManagedResource, error) {
	if err := id.Validate(); err != nil {
		return store.ManagedResource{}, err
	}

	var result store.ManagedResource
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, exists, err := getResource(ctx, tx, fabricID, id)
		if err != nil {
			return err
		}
		if !exists {
			current = store.ManagedResource{
				FabricID: fabricID,
				Identity: id,
				Path:     id.Path(),
				State:    state.Pending,
				Source:   store.SourceRaw,
			}
		}
		original := current

		if err := fn(&current, exists); err != nil {
			if errors.Is(err, store.ErrSkipUpdate) {
				result = original
				return nil
			}
			return err
		}

		current.FabricID = fabricID
		current.Identity = id
		current.Path = id.Path()
		if !current.State.Valid() {
			return faults.Validation(fmt.Sprintf("resource %s has invalid state %q", id, current.State), nil)
		}
		current.UpdatedAt = s.now().UTC()

		_, err = tx.ExecContext(ctx, `
			INSERT INTO managed_resources (`+resourceColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(fabric_id, kind, namespace, name) DO UPDATE SET
				path = excluded.path,
				content_hash = excluded.content_hash,
				git_hash = excluded.git_hash,
				fabric_hash = excluded.fabric_hash,
				fabric_version = excluded.fabric_version,
				state = excluded.state,
				source = excluded.source,
				source_file = excluded.source_file,
				error_message = excluded.error_message,
				updated_at = excluded.updated_at
		`,
			current.FabricID,
			id.Kind.String(),
			id.Namespace,
			id.Name,
			current.Path,
			current.ContentHash,
			current.GitHash,
			current.FabricHash,
			current.FabricVersion,
			string(current.State),
			string(current.Source),
			current.SourceFile,
			current.ErrorMessage,
			toNanos(current.UpdatedAt),
		)
		if err != nil {
			return faults.Internal(fmt.Sprintf("failed to write resource %s", id), err)
		}
		result = current
		return nil
	})
	if err != nil {
		return store.ManagedResource{}, err
	}
	return result, nil
}

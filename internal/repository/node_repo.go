package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/vpn-core/internal/models"
)

var ErrNotFound = errors.New("not found")

type NodeRepository struct {
	pool *pgxpool.Pool
}

func NewNodeRepository(pool *pgxpool.Pool) *NodeRepository {
	return &NodeRepository{pool: pool}
}

// Create inserts a new node and fills in its assigned id
func (r *NodeRepository) Create(ctx context.Context, n *models.Node) error {
	query := `
		INSERT INTO vpncore.nodes (name, address, port, api_port, usage_coefficient, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		n.Name, n.Address, n.Port, n.APIPort, n.UsageCoefficient, n.Status,
	).Scan(&n.ID, &n.CreatedAt, &n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert node: %w", err)
	}

	return nil
}

// GetByID retrieves a node by id
func (r *NodeRepository) GetByID(ctx context.Context, id int64) (*models.Node, error) {
	query := `
		SELECT id, name, address, port, api_port, usage_coefficient,
		       status, last_error, version, created_at, updated_at
		FROM vpncore.nodes
		WHERE id = $1
	`

	return r.scanNode(r.pool.QueryRow(ctx, query, id))
}

// List retrieves all nodes ordered by id
func (r *NodeRepository) List(ctx context.Context) ([]*models.Node, error) {
	query := `
		SELECT id, name, address, port, api_port, usage_coefficient,
		       status, last_error, version, created_at, updated_at
		FROM vpncore.nodes
		ORDER BY id
	`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*models.Node
	for rows.Next() {
		n := &models.Node{}
		err := rows.Scan(
			&n.ID, &n.Name, &n.Address, &n.Port, &n.APIPort, &n.UsageCoefficient,
			&n.Status, &n.LastError, &n.Version, &n.CreatedAt, &n.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan node row: %w", err)
		}
		nodes = append(nodes, n)
	}

	return nodes, rows.Err()
}

// UpdateHealth updates the health status, last error and reported version
func (r *NodeRepository) UpdateHealth(ctx context.Context, id int64, status string, lastError, version *string) error {
	query := `
		UPDATE vpncore.nodes
		SET status = $1, last_error = $2, version = COALESCE($3, version), updated_at = now()
		WHERE id = $4
	`

	tag, err := r.pool.Exec(ctx, query, status, lastError, version, id)
	if err != nil {
		return fmt.Errorf("update node health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

// Delete removes a node
func (r *NodeRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM vpncore.nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return nil
}

func (r *NodeRepository) scanNode(row pgx.Row) (*models.Node, error) {
	n := &models.Node{}
	err := row.Scan(
		&n.ID, &n.Name, &n.Address, &n.Port, &n.APIPort, &n.UsageCoefficient,
		&n.Status, &n.LastError, &n.Version, &n.CreatedAt, &n.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan node: %w", err)
	}
	return n, nil
}

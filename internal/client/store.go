package client

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/hbomb79/Hoard/internal/database"
	"github.com/hbomb79/Hoard/pkg/logger"
	"github.com/lib/pq"
)

var (
	ErrClientNotFound = errors.New("client does not exist")
	ErrNameTaken      = errors.New("client name is already in use")

	log = logger.Get("ClientStore")
)

const uniqueViolation = "23505"

type (
	// Client is a tenant of the service. Each client has its own API key and
	// its own folder into which completed downloads are placed.
	Client struct {
		ID             uuid.UUID `db:"id"`
		Name           string    `db:"name"`
		APIKeyDigest   []byte    `db:"api_key_digest" json:"-"`
		DownloadFolder string    `db:"download_folder"`
		CreatedAt      time.Time `db:"created_at"`
		UpdatedAt      time.Time `db:"updated_at"`
	}

	Store struct {
		digester *keyDigester
	}
)

// NewStore constructs a client store. The digestKey is used to key the API key
// lookup digest and must remain stable for existing keys to remain valid.
func NewStore(digestKey []byte) *Store {
	return &Store{&keyDigester{key: append([]byte(nil), digestKey...)}}
}

// Create inserts a new client, returning the model along with the raw API
// key. The raw key is never stored and cannot be recovered later.
func (store *Store) Create(db database.Queryable, name string, downloadFolder string) (*Client, string, error) {
	apiKey, err := generateAPIKey()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate API key: %w", err)
	}

	client := &Client{
		ID:             uuid.New(),
		Name:           name,
		APIKeyDigest:   store.digester.Digest(apiKey),
		DownloadFolder: downloadFolder,
	}

	if err := db.QueryRowx(`
		INSERT INTO client(id, name, api_key_digest, download_folder, created_at, updated_at)
		VALUES ($1, $2, $3, $4, current_timestamp, current_timestamp)
		RETURNING created_at, updated_at
	`, client.ID, client.Name, client.APIKeyDigest, client.DownloadFolder).Scan(&client.CreatedAt, &client.UpdatedAt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return nil, "", ErrNameTaken
		}

		return nil, "", fmt.Errorf("failed to insert new client: %w", err)
	}

	log.Emit(logger.NEW, "Created client %s (%s)\n", client.Name, client.ID)
	return client, apiKey, nil
}

func (store *Store) GetWithID(db database.Queryable, id uuid.UUID) (*Client, error) {
	query, args, err := selectClientBuilder().Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select client query: %w", err)
	}

	return store.getOne(db, query, args)
}

// GetWithAPIKey finds the client owning the API key provided.
func (store *Store) GetWithAPIKey(db database.Queryable, apiKey string) (*Client, error) {
	if !LooksLikeAPIKey(apiKey) {
		return nil, ErrClientNotFound
	}

	query, args, err := selectClientBuilder().Where(squirrel.Eq{"api_key_digest": store.digester.Digest(apiKey)}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct select client query: %w", err)
	}

	return store.getOne(db, query, args)
}

func (store *Store) List(db database.Queryable) ([]*Client, error) {
	query, args, err := selectClientBuilder().OrderBy("name ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to construct list clients query: %w", err)
	}

	var results []*Client
	if err := db.Select(&results, db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}

	return results, nil
}

// Update changes the name and/or download folder of an existing client.
// Empty values are left unchanged.
func (store *Store) Update(db database.Queryable, id uuid.UUID, name string, downloadFolder string) error {
	builder := squirrel.Update("client").Set("updated_at", squirrel.Expr("current_timestamp")).Where(squirrel.Eq{"id": id})
	if name != "" {
		builder = builder.Set("name", name)
	}
	if downloadFolder != "" {
		builder = builder.Set("download_folder", downloadFolder)
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("failed to construct update client query: %w", err)
	}

	err = database.ExpectOneRow(db.Exec(db.Rebind(query), args...))
	if errors.Is(err, database.ErrNoRowsAffected) {
		return ErrClientNotFound
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrNameTaken
	}

	return err
}

func (store *Store) getOne(db database.Queryable, query string, args []any) (*Client, error) {
	var client Client
	if err := db.Get(&client, db.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientNotFound
		}

		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	return &client, nil
}

func selectClientBuilder() squirrel.SelectBuilder {
	return squirrel.
		Select("id", "name", "api_key_digest", "download_folder", "created_at", "updated_at").
		From("client")
}

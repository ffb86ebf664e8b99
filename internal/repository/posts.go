package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/tkhasanov/newsletter-engine/internal/model"
)

// PostsRepository reads posts. The engine never writes them.
type PostsRepository interface {
	GetByID(ctx context.Context, id string) (*model.Post, error)
}

type PostsRepositoryImpl struct {
	db *sqlx.DB
}

func NewPostsRepository(db *sqlx.DB) *PostsRepositoryImpl {
	return &PostsRepositoryImpl{db: db}
}

var _ PostsRepository = (*PostsRepositoryImpl)(nil)

func (r *PostsRepositoryImpl) GetByID(ctx context.Context, id string) (*model.Post, error) {
	var p model.Post
	err := r.db.GetContext(ctx, &p, `
		SELECT id, title, status, html, excerpt, published_at, created_at, updated_at
		  FROM posts
		 WHERE id = ? LIMIT 1
	`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

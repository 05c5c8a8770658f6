// Package gitstore публикует сводные документы в git-репозиторий.
package gitstore

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tg-digest-pipeline/internal/infra/metrics"
)

const (
	defaultAuthorName  = "digest-bot"
	defaultAuthorEmail = "digest-bot@localhost"
)

// Publisher коммитит и пушит файлы репозитория документов.
type Publisher struct {
	repoDir    string
	branch     string
	sshKeyPath string
	log        zerolog.Logger
}

// NewPublisher создаёт публикатор поверх локального клона репозитория.
func NewPublisher(repoDir, branch, sshKeyPath string, log zerolog.Logger) *Publisher {
	if branch == "" {
		branch = "main"
	}
	return &Publisher{repoDir: repoDir, branch: branch, sshKeyPath: sshKeyPath, log: log}
}

func (p *Publisher) env() []string {
	env := os.Environ()
	if p.sshKeyPath != "" {
		if _, err := os.Stat(p.sshKeyPath); err == nil {
			env = append(env, "GIT_SSH_COMMAND=ssh -i "+p.sshKeyPath+
				" -o IdentitiesOnly=yes -o BatchMode=yes -o StrictHostKeyChecking=accept-new")
		}
	}
	env = append(env,
		"GIT_AUTHOR_NAME="+defaultAuthorName,
		"GIT_AUTHOR_EMAIL="+defaultAuthorEmail,
		"GIT_COMMITTER_NAME="+defaultAuthorName,
		"GIT_COMMITTER_EMAIL="+defaultAuthorEmail,
	)
	return env
}

func (p *Publisher) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = p.repoDir
	cmd.Env = p.env()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	metrics.ObserveNetworkRequest("git", args[0], p.branch, start, err)
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Publish добавляет файлы, коммитит и пушит HEAD в настроенную ветку.
// Пути задаются относительно корня репозитория. Отсутствие изменений не ошибка.
func (p *Publisher) Publish(ctx context.Context, paths []string, message string) error {
	if len(paths) == 0 {
		return nil
	}
	if _, err := os.Stat(filepath.Join(p.repoDir, ".git")); err != nil {
		return fmt.Errorf("в %s нет git-репозитория: %w", p.repoDir, err)
	}

	for _, rel := range paths {
		if _, err := os.Stat(filepath.Join(p.repoDir, rel)); err != nil {
			p.log.Warn().Str("path", rel).Msg("файл для публикации не найден")
			continue
		}
		// "--" исключает трактовку пути как флага.
		if _, err := p.git(ctx, "add", "--", rel); err != nil {
			return err
		}
	}

	status, err := p.git(ctx, "status", "--porcelain")
	if err != nil {
		return err
	}
	if strings.TrimSpace(status) == "" {
		p.log.Info().Msg("публикация: нет изменений, коммит пропущен")
		return nil
	}

	if _, err := p.git(ctx, "commit", "-m", message); err != nil {
		return err
	}
	// HEAD:refs/heads/<branch> работает и в состоянии detached HEAD.
	if _, err := p.git(ctx, "push", "origin", "HEAD:refs/heads/"+p.branch); err != nil {
		return err
	}
	p.log.Info().Str("branch", p.branch).Str("message", message).Msg("документы опубликованы")
	return nil
}

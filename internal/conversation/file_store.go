package conversation

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	xerrors "Agent-Sandbox/internal/errors"
)

const (
	filePrefix = "conversation_"
	fileSuffix = ".json"
)

// FileStore 将每个会话保存为目录下的 conversation_<id>.json 文件。
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore 创建文件存储，目录不存在时自动创建。
func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "会话目录不能为空")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建会话目录失败")
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d%s", filePrefix, id, fileSuffix))
}

// Load 读取并解析会话文件。
func (s *FileStore) Load(_ context.Context, id int64) (*Conversation, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return nil, ErrConversationNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话文件失败")
	}
	var conv Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析会话 %d 失败", id))
	}
	if conv.Messages == nil {
		conv.Messages = []Message{}
	}
	return &conv, nil
}

// Save 以临时文件加重命名的方式原子写入会话。
func (s *FileStore) Save(_ context.Context, conv *Conversation) error {
	if conv == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "conversation 不能为空")
	}
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化会话失败")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, filePrefix+"*.tmp")
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建临时文件失败")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入会话失败")
	}
	if err := os.Rename(tmpName, s.path(conv.ID)); err != nil {
		os.Remove(tmpName)
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "替换会话文件失败")
	}
	return nil
}

func (s *FileStore) ids() ([]int64, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话目录失败")
	}
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// NextID 返回目录中最大 ID 加一。
func (s *FileStore) NextID(_ context.Context) (int64, error) {
	ids, err := s.ids()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 1, nil
	}
	return ids[len(ids)-1] + 1, nil
}

// List 按 ID 升序返回所有可解析会话的摘要。
func (s *FileStore) List(ctx context.Context) ([]Summary, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		conv, err := s.Load(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, conv.Summarize())
	}
	return out, nil
}

// Delete 删除会话文件。
func (s *FileStore) Delete(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path(id)); err != nil {
		if stdErrors.Is(err, os.ErrNotExist) {
			return ErrConversationNotFound
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话文件失败")
	}
	return nil
}

// Close 对文件存储无需操作。
func (s *FileStore) Close() error {
	return nil
}

var _ Store = (*FileStore)(nil)

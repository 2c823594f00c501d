package chatlog

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"fable-server/types"
)

// FileSaver persists chats as one JSON object per line under Dir. Writes go
// through a temp file and rename so a crash mid-save never truncates the log.
type FileSaver struct {
	Dir string
}

func NewFileSaver(dir string) (*FileSaver, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrap(err, "error creating chat directory")
	}
	return &FileSaver{Dir: dir}, nil
}

func (f *FileSaver) path(chatId string) string {
	return filepath.Join(f.Dir, chatId+".jsonl")
}

func (f *FileSaver) SaveChat(ctx context.Context, chatId string, messages []types.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var sb strings.Builder
	for _, msg := range messages {
		line, err := json.Marshal(msg)
		if err != nil {
			return errors.Wrap(err, "error marshaling message")
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}

	tmp := f.path(chatId) + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0644); err != nil {
		return errors.Wrap(err, "error writing chat file")
	}
	if err := os.Rename(tmp, f.path(chatId)); err != nil {
		return errors.Wrap(err, "error replacing chat file")
	}
	return nil
}

// LoadChat reads a previously saved chat. A missing file is an empty chat,
// not an error.
func (f *FileSaver) LoadChat(chatId string) ([]types.Message, error) {
	file, err := os.Open(f.path(chatId))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "error opening chat file")
	}
	defer file.Close()

	var messages []types.Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var msg types.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			return nil, errors.Wrap(err, "error parsing chat line")
		}
		messages = append(messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "error reading chat file")
	}
	return messages, nil
}

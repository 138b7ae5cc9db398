package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"quickgrab/internal/shared/logger"
	"quickgrab/proxypool/model"
)

const (
	delimiter = "|"
	maxFields = 7 // Host|Port|Username|Password|LatencyMs|FailureCount|Source
)

// Storage 接口定义了代理快照持久化的行为。
type Storage interface {
	Load() ([]model.Endpoint, error)
	Save(endpoints []model.Endpoint) error
}

// FileStorage 实现了 Storage 接口，使用纯文本文件进行持久化。
// 每行一个代理，至少包含 Host|Port，其余字段可省略；以 # 开头的行被忽略。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{
		filePath: filePath,
	}
}

// Load 从纯文本文件加载代理。文件不存在时返回空列表。
func (fs *FileStorage) Load() ([]model.Endpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("Proxy/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("Proxy seed file not found, starting with an empty pool.")
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var endpoints []model.Endpoint
	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Split(line, delimiter)
		if len(fields) < 2 || len(fields) > maxFields {
			l.Warn().Int("line", lineNum).Int("got", len(fields)).Msg("Skipping malformed line in proxy file.")
			continue
		}

		ep, err := parseEndpoint(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse proxy from line, skipping.")
			continue
		}
		endpoints = append(endpoints, ep)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(endpoints)).Msg("Loaded proxies from file.")
	return endpoints, nil
}

// Save 将代理快照写入纯文本文件。
func (fs *FileStorage) Save(endpoints []model.Endpoint) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var sb strings.Builder
	for _, ep := range endpoints {
		sb.WriteString(formatEndpoint(ep))
		sb.WriteString("\n")
	}

	if dir := filepath.Dir(fs.filePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	if err := os.WriteFile(fs.filePath, []byte(sb.String()), 0600); err != nil {
		return err
	}

	l := logger.WithComponent("Proxy/Storage")
	l.Info().Int("count", len(endpoints)).Msg("Saved proxies to file.")
	return nil
}

func formatEndpoint(ep model.Endpoint) string {
	return strings.Join([]string{
		ep.Host,
		strconv.Itoa(ep.Port),
		ep.Username,
		ep.Password,
		strconv.FormatInt(ep.Latency.Milliseconds(), 10),
		strconv.Itoa(ep.FailureCount),
		ep.Source,
	}, delimiter)
}

func parseEndpoint(fields []string) (model.Endpoint, error) {
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	port, err := strconv.Atoi(fields[1])
	if err != nil {
		return model.Endpoint{}, fmt.Errorf("invalid port: %w", err)
	}

	ep := model.Endpoint{Host: fields[0], Port: port, Source: "seed"}
	if len(fields) > 2 {
		ep.Username = fields[2]
	}
	if len(fields) > 3 {
		ep.Password = fields[3]
	}
	if len(fields) > 4 && fields[4] != "" {
		latencyMs, err := strconv.ParseInt(fields[4], 10, 64)
		if err != nil {
			return model.Endpoint{}, fmt.Errorf("invalid latency: %w", err)
		}
		ep.Latency = time.Duration(latencyMs) * time.Millisecond
	}
	if len(fields) > 5 && fields[5] != "" {
		failures, err := strconv.Atoi(fields[5])
		if err != nil {
			return model.Endpoint{}, fmt.Errorf("invalid failure_count: %w", err)
		}
		ep.FailureCount = failures
	}
	if len(fields) > 6 && fields[6] != "" {
		ep.Source = fields[6]
	}
	if err := ep.Validate(); err != nil {
		return model.Endpoint{}, err
	}
	return ep, nil
}

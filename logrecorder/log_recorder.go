package logrecorder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const defaultRotateEvery = 5 * time.Minute

// NowString 返回当前时间格式为 "20060102_1504" 的字符串
func NowString() string {
	return time.Now().Format("20060102_1504")
}

// MakeDir 在 base 下创建以日期命名的目录（如：2025_04_25）
func MakeDir(base string) (string, error) {
	now := time.Now()
	dirName := fmt.Sprintf("%d_%02d_%02d", now.Year(), now.Month(), now.Day())
	fullPath := filepath.Join(base, dirName)
	if err := os.MkdirAll(fullPath, 0o755); err != nil {
		return "", fmt.Errorf("创建文件夹失败: %w", err)
	}
	return fullPath, nil
}

// Options 描述日志输出
type Options struct {
	App   string
	Level string // trace, debug, info, warn, error; 空表示 info
	// Dir 为空时只输出到控制台
	Dir string
	// Name 是日志文件前缀名, 文件名为 Name + NowString() + ".log"
	Name string
	// RotateEvery 为 0 时使用 5 分钟
	RotateEvery time.Duration
	Console     io.Writer
}

// Recorder 把日志写入按时间轮换的文件
type Recorder struct {
	mu    sync.Mutex
	file  *os.File
	path  string
	base  string
	name  string
	every time.Duration
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once
}

// ParseLevel 解析文本日志级别
func ParseLevel(s string) (zerolog.Level, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	if s == "warning" {
		s = "warn"
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("未知日志级别 %q: %w", s, err)
	}
	return level, nil
}

// New 创建 zerolog 日志记录器: 控制台输出, 并可选地写入轮换文件.
// 返回的 Recorder 在未配置 Dir 时为 nil
func New(opts Options) (zerolog.Logger, *Recorder, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), nil, err
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}
	writers := []io.Writer{zerolog.ConsoleWriter{Out: console, TimeFormat: "15:04:05.000"}}

	var rec *Recorder
	if opts.Dir != "" {
		rec, err = Open(opts.Dir, opts.Name, opts.RotateEvery)
		if err != nil {
			return zerolog.Nop(), nil, err
		}
		writers = append(writers, rec)
	}

	ctx := zerolog.New(zerolog.MultiLevelWriter(writers...)).Level(level).With().Timestamp()
	if opts.App != "" {
		ctx = ctx.Str("app", opts.App)
	}
	logger := ctx.Logger()
	log.Logger = logger
	return logger, rec, nil
}

// Open 打开第一个日志文件并启动轮换goroutine
func Open(base, name string, every time.Duration) (*Recorder, error) {
	if every <= 0 {
		every = defaultRotateEvery
	}
	r := &Recorder{base: base, name: name, every: every, done: make(chan struct{})}
	if err := r.Rotate(); err != nil {
		return nil, err
	}
	r.wg.Add(1)
	go r.rotateLoop()
	return r, nil
}

func (r *Recorder) rotateLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.every)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if err := r.Rotate(); err != nil {
				fmt.Fprintf(os.Stderr, "日志轮换失败: %v\n", err)
			}
		}
	}
}

// Rotate 以新的时间戳打开日志文件, 同名文件则追加
func (r *Recorder) Rotate() error {
	dir, err := MakeDir(r.base)
	if err != nil {
		return err
	}
	path := filepath.Join(dir, r.name+NowString()+".log")

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file != nil && path == r.path {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}
	if r.file != nil {
		r.file.Close()
	}
	r.file, r.path = f, path
	return nil
}

func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	return r.file.Write(p)
}

// Path 返回当前日志文件路径
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}

// Close 停止轮换并关闭文件
func (r *Recorder) Close() error {
	var err error
	r.once.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.mu.Lock()
		if r.file != nil {
			err = r.file.Close()
			r.file = nil
		}
		r.mu.Unlock()
	})
	return err
}

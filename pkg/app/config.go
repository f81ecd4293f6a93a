package app

import (
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/restbank/gateway/pkg/config"
	"github.com/spf13/pflag"
)

// EnvPrefix 环境变量前缀，GATEWAY_WEB_ADDR 对应 web.addr
const EnvPrefix = "GATEWAY"

// Loaded 配置加载结果
type Loaded struct {
	// Manager 底层配置管理器，可用于 Watch
	Manager config.Manager
	// Path 实际读取的配置文件，未读取文件时为空
	Path string
}

// LoadConfig 从命令行与环境加载配置到 target
// 优先级：命令行显式参数 > 环境变量 > 配置文件 > 默认值
func LoadConfig(target any, opts ...config.Option) (*Loaded, error) {
	return LoadConfigFrom(pflag.CommandLine, os.Args[1:], target, opts...)
}

// LoadConfigFrom 同 LoadConfig，使用给定的 FlagSet 与参数
func LoadConfigFrom(fs *pflag.FlagSet, args []string, target any, opts ...config.Option) (*Loaded, error) {
	configPath := fs.StringP("config", "c", "", "path to config file")
	logPath := fs.String("log.path", "", "output path for file logs")
	addr := fs.String("web.addr", "", "listen address")
	if err := fs.Parse(args); err != nil {
		return nil, errors.Wrap(err, "parse flags")
	}

	path, explicit := resolveConfigPath(fs.Changed("config"), *configPath)

	mgr := config.NewManager(append([]config.Option{config.WithEnvPrefix(EnvPrefix)}, opts...)...)
	loaded := &Loaded{Manager: mgr}
	if path != "" {
		err := mgr.LoadFile(path)
		switch {
		case err == nil:
			loaded.Path = path
		case errors.Is(err, config.ErrConfigFileNotFound) && !explicit:
			// 未显式指定且默认位置没有文件：仅用默认值与环境变量
		default:
			return nil, err
		}
	}

	if fs.Changed("log.path") {
		mgr.Set("log.output_path", *logPath)
		mgr.Set("log.enable_file", true)
	}
	if fs.Changed("web.addr") {
		mgr.Set("web.addr", *addr)
	}

	if err := mgr.Unmarshal(target); err != nil {
		return nil, err
	}

	if fs.Changed("log.path") {
		if dir := filepath.Dir(*logPath); dir != "" {
			_ = os.MkdirAll(dir, 0o755)
		}
	}
	return loaded, nil
}

// resolveConfigPath 按 flag > GATEWAY_CONFIG > 可执行文件目录/config.yaml 的顺序选择
func resolveConfigPath(flagSet bool, flagValue string) (string, bool) {
	if flagSet {
		return flagValue, true
	}
	if env := os.Getenv(EnvPrefix + "_CONFIG"); env != "" {
		return env, true
	}
	dir, err := GetExecDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(dir, "config.yaml"), false
}

// GetExecDir 可执行文件所在目录（解析符号链接）
func GetExecDir() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	realPath, err := filepath.EvalSymlinks(execPath)
	if err != nil {
		return filepath.Dir(execPath), nil
	}
	return filepath.Dir(realPath), nil
}

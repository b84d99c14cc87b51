package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"collab-core/internal/app"
	corelog "collab-core/internal/core/log"
)

func main() {
	var (
		configPath = flag.String("config", "config.yaml", "Path to configuration file")
		showHelp   = flag.Bool("help", false, "Show help information")
	)
	flag.Parse()

	if *showHelp {
		fmt.Println("Collab Core Server")
		fmt.Println("Usage: server [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Examples:")
		fmt.Println("  server                    # 使用当前目录下的 config.yaml")
		fmt.Println("  server -config /path/to/config.yaml")
		return
	}

	absConfigPath, err := filepath.Abs(*configPath)
	if err != nil {
		corelog.Fatalf("Failed to resolve config path: %v", err)
	}

	config, err := app.LoadConfig(absConfigPath)
	if err != nil {
		corelog.Fatalf("Failed to load configuration: %v", err)
	}

	srv, err := app.New(context.Background(), config)
	if err != nil {
		corelog.Fatalf("Failed to assemble server: %v", err)
	}

	// 横幅在日志初始化之后、服务启动之前显示
	srv.DisplayStartupBanner(absConfigPath)

	if err := srv.Run(); err != nil {
		corelog.Fatalf("Failed to run server: %v", err)
	}

	corelog.Infof("Collab Core server exited gracefully")
}

package app

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"

	"collab-core/internal/version"
)

const bannerWidth = 56

var (
	bannerCyan  = color.New(color.FgCyan).SprintFunc()
	bannerBold  = color.New(color.Bold).SprintFunc()
	bannerFaint = color.New(color.Faint).SprintFunc()
	bannerGreen = color.New(color.FgGreen).SprintFunc()
)

// DisplayStartupBanner 显示启动信息横幅
func (s *Server) DisplayStartupBanner(configPath string) {
	fmt.Println()
	fmt.Printf("  %s\n", bannerCyan(`   ____     _ _       _       ____`))
	fmt.Printf("  %s    %s\n", bannerCyan(`  / ___|___| | | __ _| |__   / ___|___  _ __ ___`), bannerBold("Collab Core"))
	fmt.Printf("  %s\n", bannerCyan(` | |   / _ \ | |/ _`+"`"+` | '_ \ | |   / _ \| '__/ _ \`))
	fmt.Printf("  %s    %s\n", bannerCyan(` | |__| (_) | | | (_| | |_) || |__| (_) | | |  __/`), bannerFaint("presence & routing "+version.GetShortVersion()))
	fmt.Printf("  %s\n", bannerCyan(`  \____\___/|_|_|\__,_|_.__/  \____\___/|_|  \___|`))
	fmt.Println()

	fmt.Println(bannerBold("  Server Information"))
	fmt.Println(bannerFaint("  " + strings.Repeat("─", bannerWidth)))

	infoRows := []struct {
		label string
		value string
	}{
		{"Node ID", s.nodeID},
		{"Config File", configPath},
		{"Start Time", time.Now().Format("2006-01-02 15:04:05")},
		{"Store Mode", s.config.Store.Mode},
		{"Cluster", fmt.Sprintf("%v (%s)", s.config.Cluster.Enabled, s.adapter.State())},
		{"Authz Mode", s.config.Authz.Mode},
		{"Listen", s.config.API.Addr},
	}
	for _, row := range infoRows {
		fmt.Printf("  %-14s %s\n", bannerFaint(row.label), row.value)
	}

	fmt.Println(bannerFaint("  " + strings.Repeat("─", bannerWidth)))
	fmt.Printf("  %s\n", bannerGreen("Ready to accept connections"))
	fmt.Println()
}

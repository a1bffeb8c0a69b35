// Package version хранит данные сборки, проставляемые через -ldflags:
//
//	go build -ldflags "-X github.com/vladislavdragonenkov/storefront/internal/version.version=v1.2.0"
//
// Без ldflags коммит и дата берутся из VCS-информации, которую go build кладёт в бинарник.
package version

import (
	"fmt"
	"runtime/debug"
	"sync"

	log "github.com/sirupsen/logrus"
)

const unknown = "unknown"

var (
	version = "dev"
	commit  = unknown
	date    = unknown
)

// Build - описание текущей сборки.
type Build struct {
	Version   string
	Commit    string
	Date      string
	GoVersion string
	// Dirty - бинарник собран из рабочей копии с незакоммиченными изменениями.
	Dirty bool
}

var (
	currentOnce sync.Once
	current     Build
)

// Current возвращает данные сборки; вычисляются один раз.
func Current() Build {
	currentOnce.Do(func() {
		info, _ := debug.ReadBuildInfo()
		current = resolve(version, commit, date, info)
	})
	return current
}

// resolve: значения из ldflags приоритетнее VCS-настроек.
func resolve(v, c, d string, info *debug.BuildInfo) Build {
	b := Build{Version: v, Commit: c, Date: d, GoVersion: unknown}
	if info == nil {
		return b
	}
	b.GoVersion = info.GoVersion
	if b.Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		b.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if b.Commit == unknown {
				b.Commit = s.Value
			}
		case "vcs.time":
			if b.Date == unknown {
				b.Date = s.Value
			}
		case "vcs.modified":
			b.Dirty = s.Value == "true"
		}
	}
	if len(b.Commit) > 12 {
		b.Commit = b.Commit[:12]
	}
	return b
}

// ShortVersion - версия с пометкой -dirty для незакоммиченных сборок.
func (b Build) ShortVersion() string {
	if b.Dirty {
		return b.Version + "-dirty"
	}
	return b.Version
}

// String - строка для логов и флага -version.
func (b Build) String() string {
	return fmt.Sprintf("storefront version=%s commit=%s date=%s go=%s", b.ShortVersion(), b.Commit, b.Date, b.GoVersion)
}

// Fields - поля для стартового лога.
func (b Build) Fields() log.Fields {
	return log.Fields{
		"version": b.ShortVersion(),
		"commit":  b.Commit,
		"built":   b.Date,
	}
}

// String - короткая форма Current().String().
func String() string { return Current().String() }

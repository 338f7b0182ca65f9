package storage

import (
	"mime"
	"path"
	"strconv"
	"strings"
	"time"

	"makeover/internal/utils"
)

// nowFunc is replaced in tests.
var nowFunc = time.Now

// cleanSegment 只保留小写字母、数字、'-' 和 '_'。
func cleanSegment(value string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return -1
	}, strings.TrimSpace(value))
}

func sanitizeFileBase(value string) string {
	return strings.Trim(cleanSegment(strings.ReplaceAll(strings.TrimSpace(value), " ", "-")), "-_")
}

func normalizeExtension(ext string) string {
	if ext = cleanSegment(strings.TrimPrefix(strings.TrimSpace(ext), ".")); ext == "" {
		return "bin"
	}
	return ext
}

// buildObjectPath 生成 category/YYYY/MM/DD/base.ext 形式的 key。
func buildObjectPath(category, baseName, ext string) string {
	now := nowFunc().UTC()
	if category = cleanSegment(category); category == "" {
		category = "misc"
	}
	base := sanitizeFileBase(baseName)
	if base == "" {
		base = strconv.FormatInt(now.UnixNano(), 10)
	}
	return path.Join(category, now.Format("2006/01/02"), base+"."+normalizeExtension(ext))
}

func detectContentType(ext string) string {
	ext = normalizeExtension(ext)
	if ct := utils.MimeFromExtension(ext); ct != "application/octet-stream" {
		return ct
	}
	if ct := mime.TypeByExtension("." + ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

func joinPrefix(prefix, key string) string {
	key = strings.TrimLeft(key, "/")
	if prefix = trimPrefix(prefix); prefix == "" {
		return key
	}
	return path.Join(prefix, key)
}

func trimPrefix(prefix string) string {
	return strings.Trim(strings.TrimSpace(prefix), "/")
}

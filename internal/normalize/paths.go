// Package normalize resolves canonical Actor/Item/Interaction records from
// raw payloads whose field names and nesting vary between producers.
package normalize

import (
	"fmt"
	"sort"

	"github.com/jmespath/go-jmespath"
)

// Field names a canonical attribute resolved from a payload.
type Field string

const (
	FieldItemID       Field = "item_id"
	FieldActorID      Field = "actor_id"
	FieldActorName    Field = "actor_name"
	FieldActorNick    Field = "actor_nickname"
	FieldActorAvatar  Field = "actor_avatar"
	FieldText         Field = "text"
	FieldDuration     Field = "duration"
	FieldCreateTime   Field = "create_time"
	FieldWebURL       Field = "web_url"
	FieldDiggCount    Field = "digg_count"
	FieldPlayCount    Field = "play_count"
	FieldShareCount   Field = "share_count"
	FieldCommentCount Field = "comment_count"
	FieldCollectCount Field = "collect_count"
)

// Fields lists every Field in resolution order.
var Fields = []Field{
	FieldItemID, FieldActorID, FieldActorName, FieldActorNick, FieldActorAvatar,
	FieldText, FieldDuration, FieldCreateTime, FieldWebURL,
	FieldDiggCount, FieldPlayCount, FieldShareCount, FieldCommentCount, FieldCollectCount,
}

// FieldPaths maps each field to its candidate JMESPath expressions. The
// first expression yielding a present value wins.
type FieldPaths map[Field][]string

// DefaultPaths covers the producer variants seen so far.
func DefaultPaths() FieldPaths {
	counts := func(name string) []string {
		return []string{name, "stats." + name, "statsV2." + name}
	}
	return FieldPaths{
		FieldItemID:       {"id", "video.id", "itemInfo.itemId"},
		FieldActorID:      {"authorMeta.id", "author.id", "itemInfo.authorId"},
		FieldActorName:    {"authorMeta.name", "author.uniqueId"},
		FieldActorNick:    {"authorMeta.nickName", "author.nickname"},
		FieldActorAvatar:  {"authorMeta.avatar", "author.avatarThumb", "author.avatarLarger"},
		FieldText:         {"text", "desc", "video.desc"},
		FieldDuration:     {"videoMeta.duration", "video.duration", "itemInfo.video.duration"},
		FieldCreateTime:   {"createTimeISO", "createTime", "video.createTime"},
		FieldWebURL:       {"webVideoUrl", "video.webVideoUrl", "shareUrl"},
		FieldDiggCount:    counts("diggCount"),
		FieldPlayCount:    counts("playCount"),
		FieldShareCount:   counts("shareCount"),
		FieldCommentCount: counts("commentCount"),
		FieldCollectCount: counts("collectCount"),
	}
}

// Merge returns p with every field in override replaced. An empty override
// list leaves the default in place.
func (p FieldPaths) Merge(override FieldPaths) FieldPaths {
	out := make(FieldPaths, len(p))
	for f, exprs := range p {
		out[f] = append([]string(nil), exprs...)
	}
	for f, exprs := range override {
		if len(exprs) == 0 {
			continue
		}
		out[f] = append([]string(nil), exprs...)
	}
	return out
}

type compiledPaths map[Field][]*jmespath.JMESPath

func compile(p FieldPaths) (compiledPaths, error) {
	known := make(map[Field]bool, len(Fields))
	for _, f := range Fields {
		known[f] = true
	}

	fields := make([]string, 0, len(p))
	for f := range p {
		fields = append(fields, string(f))
	}
	sort.Strings(fields)

	out := make(compiledPaths, len(p))
	for _, name := range fields {
		f := Field(name)
		if !known[f] {
			return nil, fmt.Errorf("normalize: unknown field %q", name)
		}
		for _, expr := range p[f] {
			c, err := jmespath.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("normalize: field %s: compile %q: %w", name, expr, err)
			}
			out[f] = append(out[f], c)
		}
	}
	if len(out[FieldItemID]) == 0 {
		return nil, fmt.Errorf("normalize: field %s needs at least one path", FieldItemID)
	}
	return out, nil
}

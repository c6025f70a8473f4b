package store

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"lyricqueue/internal/models"
)

func strPtr(s string) *string { return &s }

func TestSongLifecycle(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	artistID, err := st.UpsertArtist(ctx, "Nina Simone")
	if err != nil {
		t.Fatalf("artist: %v", err)
	}
	again, _ := st.UpsertArtist(ctx, " Nina Simone ")
	if again != artistID {
		t.Fatalf("artist upsert not idempotent: %d vs %d", artistID, again)
	}

	song, err := st.SaveSong(ctx, models.Song{
		Title:     "Sinnerman",
		ArtistID:  &artistID,
		SourceURL: strPtr("https://youtube.com/watch?v=x"),
		FilePath:  strPtr("/cache/x.mp3"),
	})
	if err != nil {
		t.Fatalf("insert song: %v", err)
	}
	if song.ID == 0 || song.Artist != "Nina Simone" {
		t.Fatalf("unexpected song %+v", song)
	}

	byURL, found, err := st.FindSong(ctx, SongLookup{SourceURL: "https://youtube.com/watch?v=x"})
	if err != nil || !found || byURL.ID != song.ID {
		t.Fatalf("find by url: found=%v err=%v", found, err)
	}
	missing := int64(999)
	byPath, found, _ := st.FindSong(ctx, SongLookup{ID: &missing, FilePath: "/cache/x.mp3"})
	if !found || byPath.ID != song.ID {
		t.Fatalf("lookup should fall through to file path")
	}
	if _, found, _ := st.FindSong(ctx, SongLookup{SourceURL: "nope"}); found {
		t.Fatalf("unexpected match")
	}

	song.Title = "Sinnerman (Live)"
	updated, err := st.SaveSong(ctx, song)
	if err != nil || updated.Title != "Sinnerman (Live)" {
		t.Fatalf("update song: %+v err=%v", updated, err)
	}

	if err := st.UpdateLyrics(ctx, song.ID, "[00:01.00]Oh", true, "lrclib"); err != nil {
		t.Fatalf("lyrics: %v", err)
	}
	got, _ := st.GetSong(ctx, song.ID)
	if !got.LyricsSynced || got.LyricsSource == nil || *got.LyricsSource != "lrclib" {
		t.Fatalf("lyrics not stored: %+v", got)
	}

	ids, err := st.ClearSongFile(ctx, "/cache/x.mp3")
	if err != nil || len(ids) != 1 || ids[0] != song.ID {
		t.Fatalf("clear file: ids=%v err=%v", ids, err)
	}
	got, _ = st.GetSong(ctx, song.ID)
	if got.FilePath != nil {
		t.Fatalf("file path not cleared")
	}

	if _, err := st.GetSong(ctx, 12345); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

const legacyPrefix = "lyrics_legacy_migrate_"

func TestLegacyLyricsCandidates(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	seed := []struct {
		lyrics *string
		synced bool
	}{
		{strPtr("plain words"), false},
		{strPtr("[00:01.00]synced"), true},
		{strPtr(models.LyricsNotFound), false},
		{strPtr("   "), false},
		{nil, false},
		{strPtr("more plain words"), false},
	}
	var want []int64
	for i, s := range seed {
		song, err := st.SaveSong(ctx, models.Song{Title: "t", Lyrics: s.lyrics, LyricsSynced: s.synced})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		if i == 0 || i == 5 {
			want = append(want, song.ID)
		}
	}

	got, err := st.LegacyLyricsCandidates(ctx, legacyPrefix, 10)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d candidates, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("candidate %d = %d want %d", i, got[i].ID, want[i])
		}
	}

	limited, _ := st.LegacyLyricsCandidates(ctx, legacyPrefix, 1)
	if len(limited) != 1 || limited[0].ID != want[0] {
		t.Fatalf("limit not applied in id order")
	}

	if err := st.MarkLyricsSynced(ctx, want[0]); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	after, _ := st.LegacyLyricsCandidates(ctx, legacyPrefix, 10)
	if len(after) != 1 {
		t.Fatalf("marked song still a candidate")
	}
}

func TestLegacyLyricsCandidatesSkipsHandledSongs(t *testing.T) {
	st, clock := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 30; i++ {
		song, err := st.SaveSong(ctx, models.Song{Title: "t", Lyrics: strPtr("plain words")})
		if err != nil {
			t.Fatalf("seed %d: %v", i, err)
		}
		ids = append(ids, song.ID)
	}

	// The first 25 already had a backfill job that ended failed.
	for _, id := range ids[:25] {
		job, _, err := st.EnqueueOrGet(ctx, EnqueueParams{
			Type:       models.TypeGenerateText,
			Key:        legacyPrefix + strconv.FormatInt(id, 10),
			Subject:    models.SongSubject(id),
			MaxRetries: 1,
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		claimed, ok, err := st.Claim(ctx, "w", time.Minute)
		if err != nil || !ok || claimed.ID != job.ID {
			t.Fatalf("claim: ok=%v err=%v", ok, err)
		}
		if ok, err := st.Fail(ctx, job.ID, "w", 1, "groq: 503"); err != nil || !ok {
			t.Fatalf("fail: ok=%v err=%v", ok, err)
		}
		clock.Advance(time.Second)
	}
	// Song 26 has an unrelated lyrics job in flight.
	if _, _, err := st.EnqueueOrGet(ctx, EnqueueParams{
		Type:    models.TypeGenerateText,
		Key:     "lyrics_retry_x",
		Subject: models.SongSubject(ids[25]),
	}); err != nil {
		t.Fatalf("enqueue active: %v", err)
	}

	got, err := st.LegacyLyricsCandidates(ctx, legacyPrefix, 25)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d candidates, want 4", len(got))
	}
	for i, song := range got {
		if song.ID != ids[26+i] {
			t.Fatalf("candidate %d = %d want %d", i, song.ID, ids[26+i])
		}
	}
}

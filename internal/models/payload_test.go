package models

import (
	"encoding/json"
	"testing"
)

func TestDecodePayload(t *testing.T) {
	songID := int64(7)
	raw, err := EncodePayload(AcquireMediaPayload{URL: "https://example.com/a.mp3", SongID: &songID})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	cases := []struct {
		name    string
		job     Job
		want    string
		wantErr bool
	}{
		{name: "acquire", job: Job{Type: TypeAcquireMedia, Payload: raw}, want: TypeAcquireMedia},
		{name: "acquire missing url", job: Job{Type: TypeAcquireMedia, Payload: json.RawMessage(`{}`)}, wantErr: true},
		{name: "generate", job: Job{Type: TypeGenerateText, Payload: json.RawMessage(`{"song_id":3}`)}, want: TypeGenerateText},
		{name: "generate missing song", job: Job{Type: TypeGenerateText, Payload: json.RawMessage(`{}`)}, wantErr: true},
		{name: "maintenance empty payload", job: Job{Type: TypeMaintenanceYTDLP}, want: TypeMaintenanceYTDLP},
		{name: "unknown", job: Job{Type: "resize_image", Payload: json.RawMessage(`{}`)}, wantErr: true},
		{name: "garbage", job: Job{Type: TypeGenerateText, Payload: json.RawMessage(`not json`)}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := DecodePayload(tc.job)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if p.JobType() != tc.want {
				t.Fatalf("type = %s want %s", p.JobType(), tc.want)
			}
		})
	}

	p, _ := DecodePayload(Job{Type: TypeAcquireMedia, Payload: raw})
	acquire := p.(AcquireMediaPayload)
	if acquire.SongID == nil || *acquire.SongID != 7 {
		t.Fatalf("song id lost: %#v", acquire)
	}
}

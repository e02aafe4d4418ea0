package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"imgbed/internal/files"
	"imgbed/internal/kv"
)

func TestService_StoresFile(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.svc.Process(ctx, Event{
		Channel:      "main",
		ChatID:       42,
		OriginFileID: "AgAD-origin",
		Size:         1536 * 1024,
		DeclaredName: "holiday.png",
		MimeType:     "image/png",
	})
	if !res.Success {
		t.Fatalf("Process failed: %s", res.Reason)
	}
	if res.FileID != "holiday.png" {
		t.Errorf("FileID = %q", res.FileID)
	}

	entry, err := env.mem.GetWithMetadata(ctx, fileKey("holiday.png"))
	if err != nil {
		t.Fatalf("file record missing: %v", err)
	}
	meta, err := decodeMetadata(entry.Metadata)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.OriginFileID != "AgAD-origin" || meta.ChatID != 42 || meta.FileType != "image/png" {
		t.Errorf("metadata = %+v", meta)
	}
	if meta.FileSize != "1.50" {
		t.Errorf("FileSize = %q, want 1.50", meta.FileSize)
	}
	if meta.Directory != "" {
		t.Errorf("Directory = %q, want root", meta.Directory)
	}
	if !strings.Contains(string(entry.Metadata), `"mediaGroupId":null`) {
		t.Errorf("absent media group must be an explicit null: %s", entry.Metadata)
	}

	if key, _ := NewOriginIndex(env.mem).Lookup(ctx, "AgAD-origin"); key != "holiday.png" {
		t.Errorf("origin index = %q", key)
	}
}

// A non-grouped file gets one immediate notification and nothing deferred.
func TestService_UngroupedFileNotifiesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.svc.Process(ctx, photoEvent("solo", 2048, nil))
	if !res.Success {
		t.Fatalf("Process failed: %s", res.Reason)
	}
	if res.MediaGroupID != nil {
		t.Errorf("MediaGroupID = %v, want nil", *res.MediaGroupID)
	}

	sent, edits := env.notifier.Snapshot()
	if len(sent) != 1 || len(edits) != 0 {
		t.Fatalf("sent %d, edited %d; want 1, 0", len(sent), len(edits))
	}
	if sent[0].ChatID != 42 || !strings.Contains(sent[0].Text, res.FileID) || !strings.Contains(sent[0].Text, "2.0 KiB") {
		t.Errorf("notification = %+v", sent[0])
	}
	if n := env.sched.count(FinalizeTask); n != 0 {
		t.Errorf("scheduled %d finalize tasks, want 0", n)
	}
	if keys, _ := env.mem.List(ctx, batchPrefix); len(keys) != 0 {
		t.Errorf("no batch state expected, found %v", keys)
	}
}

func TestService_DuplicateOrigin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.svc.Process(ctx, photoEvent("f1", 10, nil))
	if !first.Success {
		t.Fatalf("first Process failed: %s", first.Reason)
	}
	sentBefore, _ := env.notifier.Snapshot()
	filesBefore, _ := env.mem.List(ctx, filePrefix)

	dup := env.svc.Process(ctx, photoEvent("f1", 10, nil))
	if dup.Success || dup.Reason != ReasonAlreadySaved {
		t.Fatalf("duplicate = %+v, want already_saved", dup)
	}
	out, _ := json.Marshal(dup)
	if string(out) != `{"success":false,"reason":"already_saved"}` {
		t.Errorf("duplicate JSON = %s", out)
	}

	sentAfter, _ := env.notifier.Snapshot()
	filesAfter, _ := env.mem.List(ctx, filePrefix)
	if len(sentAfter) != len(sentBefore) {
		t.Error("duplicate must not notify")
	}
	if len(filesAfter) != len(filesBefore) {
		t.Error("duplicate must not store a second file")
	}
}

func TestService_DuplicateDetectedWithoutIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.store.failOn("put", originPrefix)

	if res := env.svc.Process(ctx, photoEvent("f1", 10, nil)); !res.Success {
		t.Fatalf("index failure must not fail the upload: %s", res.Reason)
	}
	if res := env.svc.Process(ctx, photoEvent("f1", 10, nil)); res.Reason != ReasonAlreadySaved {
		t.Errorf("second arrival = %+v, want already_saved via scan", res)
	}
}

func TestService_ResentFileWithNewOriginID(t *testing.T) {
	env := newTestEnvWithConfig(t, Config{QuietPeriod: DefaultConfig().QuietPeriod, DedupScan: false})
	ctx := context.Background()

	first := photoEvent("f1", 10, nil)
	if res := env.svc.Process(ctx, first); !res.Success {
		t.Fatalf("first upload failed: %s", res.Reason)
	}

	resent := photoEvent("f1-again", 10, nil)
	resent.UniqueID = first.UniqueID
	if res := env.svc.Process(ctx, resent); res.Reason != ReasonAlreadySaved {
		t.Errorf("resent file = %+v, want already_saved", res)
	}
	if keys, _ := env.mem.List(ctx, filePrefix); len(keys) != 1 {
		t.Errorf("stored %d files, want 1", len(keys))
	}
}

func TestService_DuplicateInsideGroup(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	g := groupID("gd")

	env.svc.Process(ctx, photoEvent("f1", 10, g))
	if res := env.svc.Process(ctx, photoEvent("f1", 10, g)); res.Reason != ReasonAlreadySaved {
		t.Fatalf("resent file = %+v", res)
	}
	if n := env.sched.count(FinalizeTask); n != 1 {
		t.Errorf("duplicate scheduled a finalize: %d tasks", n)
	}
}

// /dir photos/2024 then a file from the same chat lands in that folder.
func TestService_DirectoryCommandThenUpload(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.svc.HandleDirCommand(ctx, "main", 42, "photos/2024")
	if !res.Success {
		t.Fatalf("dir command failed: %s", res.Reason)
	}
	sent, _ := env.notifier.Snapshot()
	if len(sent) != 1 || !strings.Contains(sent[0].Text, "photos/2024/") {
		t.Errorf("dir reply = %+v", sent)
	}

	up := env.svc.Process(ctx, photoEvent("c1file", 10, nil))
	if !up.Success {
		t.Fatalf("upload failed: %s", up.Reason)
	}
	if !strings.HasPrefix(up.FileID, "photos/2024/") || up.Metadata.Directory != "photos/2024/" {
		t.Errorf("key = %q, directory = %q", up.FileID, up.Metadata.Directory)
	}

	other := photoEvent("otherchat", 10, nil)
	other.ChatID = 7
	if res := env.svc.Process(ctx, other); strings.Contains(res.FileID, "/") {
		t.Errorf("other chat should upload to root, got %q", res.FileID)
	}
}

func TestService_DirectoryReflectsDisambiguatedKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.HandleDirCommand(ctx, "main", 42, "/pics/")

	a := photoEvent("a", 1, nil)
	a.DeclaredName = "same.jpg"
	b := photoEvent("b", 1, nil)
	b.DeclaredName = "same.jpg"

	ra := env.svc.Process(ctx, a)
	rb := env.svc.Process(ctx, b)
	if ra.FileID != "pics/same.jpg" || rb.FileID != "pics/same(1).jpg" {
		t.Fatalf("keys = %q, %q", ra.FileID, rb.FileID)
	}
	if rb.Metadata.Directory != "pics/" || rb.Metadata.FileName != "same(1).jpg" {
		t.Errorf("metadata = %+v", rb.Metadata)
	}
}

func TestService_DirCommandQueryAndReset(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.svc.HandleDirCommand(ctx, "main", 42, "")
	env.svc.HandleDirCommand(ctx, "main", 42, "a/b")
	env.svc.HandleDirCommand(ctx, "main", 42, "")
	env.svc.HandleDirCommand(ctx, "main", 42, "/")
	bad := env.svc.HandleDirCommand(ctx, "main", 42, "../up")

	if bad.Success || bad.Reason != ReasonInvalidFolder {
		t.Errorf("traversal result = %+v", bad)
	}
	sent, _ := env.notifier.Snapshot()
	want := []string{"Upload folder: /", "set to a/b/", "Upload folder: a/b/", "set to /", "Invalid folder"}
	if len(sent) != len(want) {
		t.Fatalf("got %d replies, want %d", len(sent), len(want))
	}
	for i, w := range want {
		if !strings.Contains(sent[i].Text, w) {
			t.Errorf("reply %d = %q, want it to contain %q", i, sent[i].Text, w)
		}
	}
}

func TestService_ChannelDefaultFolder(t *testing.T) {
	env := newTestEnv(t)
	ev := photoEvent("df", 1, nil)
	ev.DefaultFolder = "/inbox/"

	res := env.svc.Process(context.Background(), ev)
	if res.FileID != "inbox/df.jpg" {
		t.Errorf("FileID = %q, want inbox/df.jpg", res.FileID)
	}
}

func TestService_PrimaryPathFailures(t *testing.T) {
	tests := []struct {
		name   string
		op     string
		prefix string
		want   Reason
	}{
		{"metadata write", "put", filePrefix, ReasonDatabaseError},
		{"dedup read", "get", originPrefix, ReasonReadError},
		{"folder read", "get", dirPrefix, ReasonReadError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnvWithConfig(t, Config{QuietPeriod: DefaultConfig().QuietPeriod, DedupScan: false})
			env.store.failOn(tc.op, tc.prefix)

			res := env.svc.Process(context.Background(), photoEvent("pf", 10, groupID("gp")))
			if res.Success || res.Reason != tc.want {
				t.Fatalf("result = %+v, want %s", res, tc.want)
			}
			sent, _ := env.notifier.Snapshot()
			if len(sent) != 0 {
				t.Error("failed event must not notify")
			}
			if n := env.sched.count(FinalizeTask); n != 0 {
				t.Error("failed event must not schedule finalize")
			}
			if keys, _ := env.mem.List(context.Background(), batchPrefix); len(keys) != 0 {
				t.Error("failed event must not create batch state")
			}
		})
	}
}

func TestService_AllocationExhausted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.mem.Put(ctx, fileKey("ax.jpg"), nil, kv.PutOptions{})
	for i := 1; i <= maxSuffixAttempts; i++ {
		env.mem.Put(ctx, fileKey(fmt.Sprintf("ax(%d).jpg", i)), nil, kv.PutOptions{})
	}

	res := env.svc.Process(ctx, photoEvent("ax", 10, nil))
	if res.Success || res.Reason != ReasonAllocationError {
		t.Fatalf("result = %+v, want allocation_error", res)
	}
	if sent, _ := env.notifier.Snapshot(); len(sent) != 0 {
		t.Error("failed event must not notify")
	}
}

func TestService_NotificationFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	env.notifier.SetSendErr(errors.New("forbidden"))

	res := env.svc.Process(context.Background(), photoEvent("nf", 10, nil))
	if !res.Success {
		t.Errorf("notification failure must not fail the upload: %s", res.Reason)
	}
}

type recordingMirror struct {
	mu     sync.Mutex
	copies []string
	err    error
}

func (m *recordingMirror) Copy(ctx context.Context, originFileID, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copies = append(m.copies, originFileID+"->"+key)
	return 1, m.err
}

func (m *recordingMirror) PublicURL(key string) string {
	return ""
}

func TestService_Mirror(t *testing.T) {
	env := newTestEnv(t)
	m := &recordingMirror{}
	env.svc.SetMirror("main", m)

	res := env.svc.Process(context.Background(), photoEvent("mf", 10, nil))
	if n := env.sched.count(MirrorTask); n != 1 {
		t.Fatalf("expected 1 mirror task, got %d", n)
	}
	env.sched.runAll(t, MirrorTask)
	if len(m.copies) != 1 || m.copies[0] != "mf->"+res.FileID {
		t.Errorf("copies = %v", m.copies)
	}

	other := photoEvent("nomirror", 10, nil)
	other.Channel = "side"
	env.svc.Process(context.Background(), other)
	if n := env.sched.count(MirrorTask); n != 0 {
		t.Errorf("channel without mirror scheduled %d copies", n)
	}
}

func TestService_MirrorPublicLinks(t *testing.T) {
	ctx := context.Background()
	b2 := files.NewB2StorageWithClient(nil, "images", "bot", "https://cdn.example.com/")

	t.Run("mirror link when no base URL is configured", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.SetMirror("main", files.NewMirror(b2, nil, nil))

		env.svc.Process(ctx, photoEvent("ml", 10, nil))
		env.svc.Process(ctx, photoEvent("mg", 10, groupID("gl")))
		env.clock.Advance(DefaultConfig().QuietPeriod)
		env.sched.runAll(t, FinalizeTask)

		sent, edits := env.notifier.Snapshot()
		if len(sent) != 2 || !strings.Contains(sent[0].Text, "https://cdn.example.com/bot/ml.jpg") {
			t.Errorf("single notification = %+v", sent)
		}
		if len(edits) != 1 || !strings.Contains(edits[0].Text, "https://cdn.example.com/bot/mg.jpg") {
			t.Errorf("batch edit = %+v", edits)
		}
	})

	t.Run("configured base URL wins", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.PublicURL = "https://img.example.org"
		env := newTestEnvWithConfig(t, cfg)
		env.svc.SetMirror("main", files.NewMirror(b2, nil, nil))

		env.svc.Process(ctx, photoEvent("mc", 10, nil))
		sent, _ := env.notifier.Snapshot()
		if len(sent) != 1 || !strings.HasSuffix(sent[0].Text, "\nhttps://img.example.org/mc.jpg") {
			t.Errorf("single notification = %+v", sent)
		}
	})

	t.Run("no link without base URL or mirror", func(t *testing.T) {
		env := newTestEnv(t)
		env.svc.Process(ctx, photoEvent("nl", 10, nil))
		sent, _ := env.notifier.Snapshot()
		if len(sent) != 1 || strings.Contains(sent[0].Text, "http") {
			t.Errorf("single notification = %+v", sent)
		}
	})
}

func TestService_Stats(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.svc.Process(ctx, photoEvent("s1", 100, nil))
	env.svc.Process(ctx, photoEvent("s2", 200, groupID("gs")))
	env.svc.HandleDirCommand(ctx, "main", 42, "x")

	st, err := env.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if st.Files != 2 || st.TotalBytes != 300 || st.ActiveBatches != 1 || st.Directories != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDirectoryOf(t *testing.T) {
	tests := map[string]string{
		"a.jpg":           "",
		"photos/a.jpg":    "photos/",
		"p/2024/a(1).jpg": "p/2024/",
	}
	for key, want := range tests {
		if got := directoryOf(key); got != want {
			t.Errorf("directoryOf(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestFormatMB(t *testing.T) {
	tests := map[int64]string{
		0:           "0.00",
		1024 * 1024: "1.00",
		5_500_000:   "5.25",
	}
	for size, want := range tests {
		if got := formatMB(size); got != want {
			t.Errorf("formatMB(%d) = %q, want %q", size, got, want)
		}
	}
}

func TestResultJSON(t *testing.T) {
	env := newTestEnv(t)
	res := env.svc.Process(context.Background(), photoEvent("js", 10, groupID("gj")))
	out, _ := json.Marshal(res)

	var decoded map[string]any
	json.Unmarshal(out, &decoded)
	if decoded["success"] != true || decoded["fileId"] != res.FileID || decoded["mediaGroupId"] != "gj" {
		t.Errorf("result JSON = %s", out)
	}
	if _, ok := decoded["reason"]; ok {
		t.Errorf("successful result must omit reason: %s", out)
	}
	meta := decoded["metadata"].(map[string]any)
	if meta["mediaGroupId"] != "gj" || meta["originFileId"] != "js" {
		t.Errorf("metadata JSON = %v", meta)
	}
}

var _ kv.Store = (*faultyStore)(nil)

package threading

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/patchlore/patchlore/internal/db"
	"github.com/patchlore/patchlore/internal/models"
)

func setupRepo(t *testing.T) *db.FeedMessageRepository {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, database.Migrate(context.Background()))
	return db.NewFeedMessageRepository(database)
}

func store(t *testing.T, repo *db.FeedMessageRepository, msg *models.FeedMessage) {
	t.Helper()
	if msg.SubsystemName == "" {
		msg.SubsystemName = "netdev"
	}
	require.NoError(t, repo.Create(context.Background(), msg))
}

func at(minute int) time.Time {
	return time.Date(2026, 8, 1, 12, minute, 0, 0, time.UTC)
}

func TestCollectReplies_Transitive(t *testing.T) {
	repo := setupRepo(t)
	builder := NewTreeBuilder(repo)
	ctx := context.Background()

	store(t, repo, &models.FeedMessage{MessageIDHeader: "patch@x", IsPatch: true})
	store(t, repo, &models.FeedMessage{
		MessageIDHeader: "r1@x", InReplyToHeader: "patch@x", IsReply: true, ReceivedAt: at(1),
	})
	store(t, repo, &models.FeedMessage{
		MessageIDHeader: "r2@x", InReplyToHeader: "r1@x", IsReply: true, ReceivedAt: at(2),
	})
	store(t, repo, &models.FeedMessage{
		MessageIDHeader: "r3@x", InReplyToHeader: "r2@x", IsReply: true, ReceivedAt: at(3),
	})
	store(t, repo, &models.FeedMessage{
		MessageIDHeader: "other@x", InReplyToHeader: "elsewhere@x", IsReply: true,
	})

	replies, err := builder.CollectReplies(ctx, "patch@x")
	require.NoError(t, err)
	require.Len(t, replies, 3)

	headers := make([]string, 0, len(replies))
	for _, r := range replies {
		headers = append(headers, r.MessageIDHeader)
	}
	require.ElementsMatch(t, []string{"r1@x", "r2@x", "r3@x"}, headers)
}

func TestCollectReplies_IterationCap(t *testing.T) {
	repo := setupRepo(t)
	builder := NewTreeBuilder(repo)
	ctx := context.Background()

	// A 50-deep chain: the capped expansion stops without hanging and
	// returns only what it reached.
	parent := "patch@x"
	store(t, repo, &models.FeedMessage{MessageIDHeader: parent, IsPatch: true})
	for i := 0; i < 50; i++ {
		header := fmt.Sprintf("r%d@x", i)
		store(t, repo, &models.FeedMessage{
			MessageIDHeader: header, InReplyToHeader: parent, IsReply: true, ReceivedAt: at(i),
		})
		parent = header
	}

	replies, err := builder.CollectReplies(ctx, "patch@x")
	require.NoError(t, err)
	require.NotEmpty(t, replies)
	require.Less(t, len(replies), 50)
}

func TestBuildHierarchy_NestingAndOrder(t *testing.T) {
	repo := setupRepo(t)
	builder := NewTreeBuilder(repo)
	ctx := context.Background()

	r1 := &models.FeedMessage{
		MessageIDHeader: "r1@x", InReplyToHeader: "patch@x", IsReply: true, ReceivedAt: at(2),
	}
	r2 := &models.FeedMessage{
		MessageIDHeader: "r2@x", InReplyToHeader: "patch@x", IsReply: true, ReceivedAt: at(1),
	}
	child := &models.FeedMessage{
		MessageIDHeader: "child@x", InReplyToHeader: "<r1@x>", IsReply: true, ReceivedAt: at(3),
	}
	for _, m := range []*models.FeedMessage{r1, r2, child} {
		store(t, repo, m)
	}

	h, err := builder.BuildHierarchy(ctx, []*models.FeedMessage{r1, r2, child}, "patch@x")
	require.NoError(t, err)

	// Roots are the direct replies, time-ascending: r2 before r1.
	require.Equal(t, []string{"r2@x", "r1@x"}, h.Roots)
	require.Equal(t, []string{"child@x"}, h.Entries["r1@x"].Children)
}

func TestBuildHierarchy_ParentOutsideSetWalksChain(t *testing.T) {
	repo := setupRepo(t)
	builder := NewTreeBuilder(repo)
	ctx := context.Background()

	// "middle" is stored but not part of the reply set; the chain walk
	// passes through it to find "top" inside the set.
	top := &models.FeedMessage{
		MessageIDHeader: "top@x", InReplyToHeader: "patch@x", IsReply: true, ReceivedAt: at(1),
	}
	store(t, repo, top)
	store(t, repo, &models.FeedMessage{
		MessageIDHeader: "middle@x", InReplyToHeader: "top@x", IsReply: true, ReceivedAt: at(2),
	})
	leaf := &models.FeedMessage{
		MessageIDHeader: "leaf@x", InReplyToHeader: "middle@x", IsReply: true, ReceivedAt: at(3),
	}
	store(t, repo, leaf)

	h, err := builder.BuildHierarchy(ctx, []*models.FeedMessage{top, leaf}, "patch@x")
	require.NoError(t, err)
	require.Equal(t, []string{"top@x"}, h.Roots)
	require.Equal(t, []string{"leaf@x"}, h.Entries["top@x"].Children)
}

func TestBuildHierarchy_UnresolvableParentBecomesRoot(t *testing.T) {
	repo := setupRepo(t)
	builder := NewTreeBuilder(repo)
	ctx := context.Background()

	orphan := &models.FeedMessage{
		MessageIDHeader: "orphan@x", InReplyToHeader: "ghost@x", IsReply: true, ReceivedAt: at(1),
	}
	store(t, repo, orphan)

	h, err := builder.BuildHierarchy(ctx, []*models.FeedMessage{orphan}, "patch@x")
	require.NoError(t, err)
	require.Equal(t, []string{"orphan@x"}, h.Roots)
}

func TestBuildTree_SeriesNesting(t *testing.T) {
	repo := setupRepo(t)
	builder := NewTreeBuilder(repo)
	ctx := context.Background()

	one, two := 1, 2

	cover := &models.FeedMessage{
		MessageIDHeader: "c@x", Subject: "[PATCH 0/2] series", IsPatch: true,
		IsSeriesPatch: true, IsCoverLetter: true, ReceivedAt: at(0),
	}
	p1 := &models.FeedMessage{
		MessageIDHeader: "p1@x", Subject: "[PATCH 1/2] first", IsPatch: true,
		IsSeriesPatch: true, PatchIndex: &one, SeriesMessageID: "c@x",
		InReplyToHeader: "c@x", ReceivedAt: at(1),
	}
	p2 := &models.FeedMessage{
		MessageIDHeader: "p2@x", Subject: "[PATCH 2/2] second", IsPatch: true,
		IsSeriesPatch: true, PatchIndex: &two, SeriesMessageID: "c@x",
		InReplyToHeader: "c@x", ReceivedAt: at(2),
	}
	r1 := &models.FeedMessage{
		MessageIDHeader: "r1@x", InReplyToHeader: "c@x", IsReply: true, ReceivedAt: at(3),
	}
	r2 := &models.FeedMessage{
		MessageIDHeader: "r2@x", InReplyToHeader: "p1@x", IsReply: true, ReceivedAt: at(4),
	}
	for _, m := range []*models.FeedMessage{cover, p1, p2, r1, r2} {
		store(t, repo, m)
	}

	card := &models.PatchCard{
		MessageIDHeader:   "c@x",
		SubsystemName:     "netdev",
		PlatformMessageID: "msg-1",
		IsSeriesPatch:     true,
		IsCoverLetter:     true,
		SeriesMessageID:   "c@x",
		SeriesPatches: []models.SeriesPatchInfo{
			{Subject: "[PATCH 1/2] first", PatchIndex: 1, PatchTotal: 2, MessageID: "p1@x"},
			{Subject: "[PATCH 2/2] second", PatchIndex: 2, PatchTotal: 2, MessageID: "p2@x"},
		},
	}

	root, err := builder.BuildTree(ctx, cover, card)
	require.NoError(t, err)
	require.Equal(t, NodeCoverLetter, root.Type)

	// Children of the cover letter, time-ascending: p1, p2, r1.
	require.Len(t, root.Children, 3)
	require.Equal(t, "p1@x", root.Children[0].Message.MessageIDHeader)
	require.Equal(t, NodeSubPatch, root.Children[0].Type)
	require.Equal(t, "p2@x", root.Children[1].Message.MessageIDHeader)
	require.Equal(t, "r1@x", root.Children[2].Message.MessageIDHeader)
	require.Equal(t, NodeReply, root.Children[2].Type)

	// R2 nests under P1.
	require.Len(t, root.Children[0].Children, 1)
	require.Equal(t, "r2@x", root.Children[0].Children[0].Message.MessageIDHeader)
	require.Equal(t, 2, root.Children[0].Children[0].Depth)
}

func TestBuildTree_UnknownParentAttachesToRoot(t *testing.T) {
	repo := setupRepo(t)
	builder := NewTreeBuilder(repo)
	ctx := context.Background()

	patch := &models.FeedMessage{
		MessageIDHeader: "patch@x", IsPatch: true, ReceivedAt: at(0),
	}
	stray := &models.FeedMessage{
		MessageIDHeader: "stray@x", InReplyToHeader: "patch@x", IsReply: true, ReceivedAt: at(1),
	}
	store(t, repo, patch)
	store(t, repo, stray)
	// A reply whose parent chain is not in the collected set.
	store(t, repo, &models.FeedMessage{
		MessageIDHeader: "deep@x", InReplyToHeader: "stray@x", IsReply: true, ReceivedAt: at(2),
	})

	card := &models.PatchCard{
		MessageIDHeader:   "patch@x",
		SubsystemName:     "netdev",
		PlatformMessageID: "msg-1",
	}

	root, err := builder.BuildTree(ctx, patch, card)
	require.NoError(t, err)
	require.Equal(t, NodeSubPatch, root.Type)

	require.Len(t, root.Children, 1)
	require.Equal(t, "stray@x", root.Children[0].Message.MessageIDHeader)
	require.Len(t, root.Children[0].Children, 1)
	require.Equal(t, "deep@x", root.Children[0].Children[0].Message.MessageIDHeader)
}

func TestFlatten_DepthFirstOrder(t *testing.T) {
	repo := setupRepo(t)
	builder := NewTreeBuilder(repo)
	ctx := context.Background()

	patch := &models.FeedMessage{MessageIDHeader: "patch@x", IsPatch: true, ReceivedAt: at(0)}
	store(t, repo, patch)
	store(t, repo, &models.FeedMessage{
		MessageIDHeader: "a@x", InReplyToHeader: "patch@x", IsReply: true, ReceivedAt: at(1),
	})
	store(t, repo, &models.FeedMessage{
		MessageIDHeader: "a1@x", InReplyToHeader: "a@x", IsReply: true, ReceivedAt: at(2),
	})
	store(t, repo, &models.FeedMessage{
		MessageIDHeader: "b@x", InReplyToHeader: "patch@x", IsReply: true, ReceivedAt: at(3),
	})

	card := &models.PatchCard{
		MessageIDHeader: "patch@x", SubsystemName: "netdev", PlatformMessageID: "msg-1",
	}
	root, err := builder.BuildTree(ctx, patch, card)
	require.NoError(t, err)

	flat := Flatten(root)
	var order []string
	for _, node := range flat {
		order = append(order, node.Message.MessageIDHeader)
	}
	require.Equal(t, []string{"patch@x", "a@x", "a1@x", "b@x"}, order)
	require.Equal(t, []int{0, 1, 2, 1}, []int{flat[0].Depth, flat[1].Depth, flat[2].Depth, flat[3].Depth})

	require.Nil(t, Flatten(nil))
}

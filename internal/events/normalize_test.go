package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeIssueEvent(t *testing.T) {
	body := []byte(`{
		"action": "opened",
		"issue": {"number": 7, "title": "Crash on start", "body": "It dies", "user": {"login": "alice"}, "html_url": "https://github.com/acme/app/issues/7"},
		"repository": {"full_name": "acme/app", "default_branch": "main"},
		"sender": {"login": "alice"}
	}`)

	ev, err := Normalize("issues", body)
	require.NoError(t, err)
	require.NotNil(t, ev)

	issue, ok := ev.(*IssueEvent)
	require.True(t, ok)
	assert.Equal(t, "opened", issue.Action)
	assert.Equal(t, "issues", ev.Kind())

	refs := ev.Refs()
	require.Len(t, refs, 1)
	assert.Equal(t, Ref{Repo: "acme/app", Kind: RefIssue, Number: 7}, refs[0])

	assert.Equal(t, []string{"acme/app#7", "acme/app"}, ev.Tags())
}

func TestNormalizeIssueCommentOnPullRequest(t *testing.T) {
	t.Run("plain issue comment yields issue ref", func(t *testing.T) {
		body := []byte(`{
			"action": "created",
			"issue": {"number": 3},
			"comment": {"body": "thoughts?", "user": {"login": "bob"}},
			"repository": {"full_name": "acme/app"}
		}`)
		ev, err := Normalize("issue_comment", body)
		require.NoError(t, err)

		refs := ev.Refs()
		require.Len(t, refs, 1)
		assert.Equal(t, RefIssue, refs[0].Kind)
	})

	t.Run("PR-backed issue comment yields pr ref", func(t *testing.T) {
		body := []byte(`{
			"action": "created",
			"issue": {"number": 3, "pull_request": {"url": "https://api.github.com/repos/acme/app/pulls/3"}},
			"comment": {"body": "thoughts?", "user": {"login": "bob"}},
			"repository": {"full_name": "acme/app"}
		}`)
		ev, err := Normalize("issue_comment", body)
		require.NoError(t, err)

		refs := ev.Refs()
		require.Len(t, refs, 1)
		assert.Equal(t, RefPR, refs[0].Kind)
		assert.Equal(t, []string{"pr#3", "acme/app#3", "acme/app"}, ev.Tags())
	})
}

func TestNormalizeWorkflowRun(t *testing.T) {
	body := []byte(`{
		"action": "completed",
		"workflow_run": {
			"id": 991,
			"name": "ci",
			"head_branch": "fix/crash",
			"conclusion": "failure",
			"pull_requests": [{"number": 12}]
		},
		"repository": {"full_name": "acme/app"}
	}`)

	ev, err := Normalize("workflow_run", body)
	require.NoError(t, err)

	run, ok := ev.(*WorkflowRunEvent)
	require.True(t, ok)
	assert.Equal(t, "failure", run.WorkflowRun.Conclusion)

	refs := ev.Refs()
	require.Len(t, refs, 1)
	assert.Equal(t, Ref{Repo: "acme/app", Kind: RefPR, Number: 12}, refs[0])
}

func TestNormalizePush(t *testing.T) {
	body := []byte(`{
		"ref": "refs/heads/fix/crash",
		"repository": {"full_name": "acme/app"},
		"sender": {"login": "agentrelay-bot"}
	}`)

	ev, err := Normalize("push", body)
	require.NoError(t, err)

	push, ok := ev.(*PushEvent)
	require.True(t, ok)
	assert.Equal(t, "fix/crash", push.Branch())
	assert.Empty(t, ev.Refs())
	assert.Equal(t, []string{"acme/app"}, ev.Tags())
}

func TestNormalizeUnknownKind(t *testing.T) {
	ev, err := Normalize("star", []byte(`{"action": "created"}`))
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestNormalizeMalformedBody(t *testing.T) {
	_, err := Normalize("issues", []byte(`{"action": `))
	assert.Error(t, err)
}

func TestContainsMention(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		login string
		want  bool
	}{
		{"plain mention", "hey @relay-bot please fix this", "relay-bot", true},
		{"mention at start", "@relay-bot fix", "relay-bot", true},
		{"prefix of longer login", "ping @relay-bot2", "relay-bot", false},
		{"no mention", "nothing to see", "relay-bot", false},
		{"case insensitive", "cc @Relay-Bot", "relay-bot", true},
		{"empty body", "", "relay-bot", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContainsMention(tt.body, tt.login))
		})
	}
}

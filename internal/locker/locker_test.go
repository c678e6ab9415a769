package locker

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"testing"

	"github.com/maraichr/gdr/internal/config"
	"github.com/maraichr/gdr/internal/event"
	"github.com/maraichr/gdr/internal/invoke"
	"github.com/maraichr/gdr/internal/objectstore/fake"
	"github.com/maraichr/gdr/internal/testenv"
)

const bucket = "agha-staging"

func newLocker(t *testing.T) (*Locker, *fake.Store) {
	t.Helper()
	objects := testenv.Objects()
	cfg := config.LockConfig{ExemptRoleIDs: []string{"AROAPIPELINE"}, AccountID: "123456789012"}
	return New(bucket, cfg, objects, testenv.Logger()), objects
}

func denyStatement(t *testing.T, objects *fake.Store) *Statement {
	t.Helper()
	doc, _ := objects.GetBucketPolicy(context.Background(), bucket)
	p, err := ParsePolicy(doc)
	if err != nil {
		t.Fatal(err)
	}
	st, _, err := p.deny()
	if err != nil {
		t.Fatal(err)
	}
	return st
}

func TestLockWritesDenyStatement(t *testing.T) {
	l, objects := newLocker(t)
	ctx := context.Background()
	if err := l.Lock(ctx, "Cardiac/2020-01-01/", "AC/s1"); err != nil {
		t.Fatalf("Lock: %v", err)
	}
	st := denyStatement(t, objects)
	if st == nil {
		t.Fatal("deny statement missing")
	}
	want := []string{
		"arn:aws:s3:::agha-staging/AC/s1/*",
		"arn:aws:s3:::agha-staging/Cardiac/2020-01-01/*",
	}
	if strings.Join(st.Resource, ",") != strings.Join(want, ",") {
		t.Errorf("resources = %v, want %v", st.Resource, want)
	}
	if st.Effect != "Deny" || st.Principal != "*" {
		t.Errorf("statement = %+v", st)
	}
	exempt := st.Condition["StringNotLike"]["aws:userId"]
	if len(exempt) != 2 || exempt[0] != "AROAPIPELINE:*" || exempt[1] != "123456789012" {
		t.Errorf("exempt = %v", exempt)
	}
}

func TestLockIsIdempotent(t *testing.T) {
	l, objects := newLocker(t)
	ctx := context.Background()
	for range 3 {
		if err := l.Lock(ctx, "AC/s1"); err != nil {
			t.Fatal(err)
		}
	}
	if st := denyStatement(t, objects); len(st.Resource) != 1 {
		t.Errorf("resources = %v", st.Resource)
	}
}

func TestUnlockLastRemovesPolicy(t *testing.T) {
	l, objects := newLocker(t)
	ctx := context.Background()
	l.Lock(ctx, "AC/s1")
	if err := l.Unlock(ctx, "AC/s1"); err != nil {
		t.Fatal(err)
	}
	if doc, _ := objects.GetBucketPolicy(ctx, bucket); doc != "" {
		t.Errorf("policy = %s, want none", doc)
	}
}

func TestForeignStatementsKept(t *testing.T) {
	l, objects := newLocker(t)
	ctx := context.Background()
	foreign := `{"Version":"2012-10-17","Statement":[{"Sid":"AllowRead","Effect":"Allow","Principal":"*","Action":"s3:GetObject","Resource":"arn:aws:s3:::agha-staging/*"}]}`
	objects.PutBucketPolicy(ctx, bucket, foreign)

	l.Lock(ctx, "AC/s1")
	l.Unlock(ctx, "AC/s1")

	doc, _ := objects.GetBucketPolicy(ctx, bucket)
	if !strings.Contains(doc, "AllowRead") || strings.Contains(doc, StatementID) {
		t.Errorf("policy = %s", doc)
	}
}

func TestSingleResourceString(t *testing.T) {
	l, objects := newLocker(t)
	ctx := context.Background()
	collapsed := `{"Version":"2012-10-17","Statement":[{"Sid":"DenyWriteLockedSubmission","Effect":"Deny","Principal":"*","Action":["s3:PutObject","s3:DeleteObject"],"Resource":"arn:aws:s3:::agha-staging/AC/s1/*"}]}`
	objects.PutBucketPolicy(ctx, bucket, collapsed)

	got, err := l.Locked(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "AC/s1" {
		t.Errorf("Locked = %v", got)
	}
}

func TestLockedSetMatchesOperations(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	prefixes := []string{"AC/a", "AC/b", "Cardiac/c", "Mito/d", "NMD/e"}
	want := map[string]bool{}

	for range 200 {
		p := prefixes[rng.Intn(len(prefixes))]
		if rng.Intn(2) == 0 {
			if err := l.Lock(ctx, p); err != nil {
				t.Fatal(err)
			}
			want[p] = true
		} else {
			if err := l.Unlock(ctx, p); err != nil {
				t.Fatal(err)
			}
			delete(want, p)
		}

		got, err := l.Locked(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var exp []string
		for p := range want {
			exp = append(exp, p)
		}
		sort.Strings(exp)
		if strings.Join(got, ",") != strings.Join(exp, ",") {
			t.Fatalf("locked = %v, want %v", got, exp)
		}
	}
}

func TestHandle(t *testing.T) {
	l, _ := newLocker(t)
	ctx := context.Background()

	batch, _ := json.Marshal(event.Batch{Records: []event.Record{
		event.NewRecord(event.ObjectCreatedPut, bucket, "Cardiac/2020-01-01/manifest.txt", "M", 1),
	}})
	if err := l.Handle(ctx, batch); err != nil {
		t.Fatalf("Handle batch: %v", err)
	}
	if got, _ := l.Locked(ctx); len(got) != 1 || got[0] != "Cardiac/2020-01-01" {
		t.Errorf("locked = %v", got)
	}

	unlock, _ := json.Marshal(Request{Action: ActionUnlock, Prefixes: []string{"Cardiac/2020-01-01"}})
	if err := l.Handle(ctx, unlock); err != nil {
		t.Fatalf("Handle unlock: %v", err)
	}
	if got, _ := l.Locked(ctx); len(got) != 0 {
		t.Errorf("locked = %v", got)
	}

	bad, _ := json.Marshal(Request{Action: "smash", Prefixes: []string{"AC/x"}})
	err := l.Handle(ctx, bad)
	if !errors.Is(err, ErrInvalidRequest) || !invoke.IsPermanent(err) {
		t.Errorf("Handle bad = %v", err)
	}
}

package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

type fakeSSM struct {
	values map[string]*string
	err    error
	calls  []ssm.GetParameterInput
}

func (f *fakeSSM) GetParameter(ctx context.Context, in *ssm.GetParameterInput, _ ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	f.calls = append(f.calls, *in)
	if f.err != nil {
		return nil, f.err
	}
	v, ok := f.values[aws.ToString(in.Name)]
	if !ok {
		return nil, &types.ParameterNotFound{Message: aws.String("not found")}
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Name: in.Name, Value: v}}, nil
}

func TestGet(t *testing.T) {
	f := &fakeSSM{values: map[string]*string{
		"/cms/token": aws.String("  ghp_abc\n"),
		"/cms/empty": aws.String("   "),
		"/cms/nil":   nil,
	}}
	p := NewParameterStore(f)

	v, err := p.Get(context.Background(), "/cms/token")
	if err != nil || v != "ghp_abc" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if !aws.ToBool(f.calls[0].WithDecryption) {
		t.Fatal("WithDecryption not requested")
	}

	for _, name := range []string{"/cms/empty", "/cms/nil", "/cms/missing"} {
		if _, err := p.Get(context.Background(), name); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestGet_NotFoundKeepsType(t *testing.T) {
	p := NewParameterStore(&fakeSSM{values: map[string]*string{}})
	_, err := p.Get(context.Background(), "/nope")
	var nf *types.ParameterNotFound
	if !errors.As(err, &nf) {
		t.Fatalf("err = %v, want ParameterNotFound in chain", err)
	}
}

func TestFill(t *testing.T) {
	f := &fakeSSM{values: map[string]*string{
		"/cms/admin": aws.String("s3cret"),
	}}
	p := NewParameterStore(f)

	admin := "from-flag"
	token := "from-env"
	err := Fill(context.Background(), p,
		Ref{Param: "/cms/admin", Dest: &admin},
		Ref{Param: "", Dest: &token},
	)
	if err != nil {
		t.Fatalf("Fill: %v", err)
	}
	if admin != "s3cret" {
		t.Fatalf("admin = %q", admin)
	}
	if token != "from-env" {
		t.Fatalf("token overwritten: %q", token)
	}
	if len(f.calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(f.calls))
	}
}

func TestFill_Error(t *testing.T) {
	p := NewParameterStore(&fakeSSM{err: errors.New("throttled")})
	var dst string
	if err := Fill(context.Background(), p, Ref{Param: "/x", Dest: &dst}); err == nil {
		t.Fatal("expected error")
	}
}

func TestNeeded(t *testing.T) {
	var a, b string
	if Needed(Ref{Dest: &a}, Ref{Dest: &b}) {
		t.Fatal("no params set")
	}
	if !Needed(Ref{Dest: &a}, Ref{Param: "/x", Dest: &b}) {
		t.Fatal("one param set")
	}
}

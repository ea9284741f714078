package aws

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"spot-runner/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"
)

type fakeIAM struct {
	mu       sync.Mutex
	roles    map[string]bool
	policies map[string]string
	profiles map[string][]string
	calls    []string
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{roles: map[string]bool{}, policies: map[string]string{}, profiles: map[string][]string{}}
}

func apiErr(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: code}
}

func (f *fakeIAM) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeIAM) CreateRole(_ context.Context, in *iam.CreateRoleInput, _ ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateRole")
	name := aws.ToString(in.RoleName)
	if f.roles[name] {
		return nil, apiErr("EntityAlreadyExists")
	}
	f.roles[name] = true
	return &iam.CreateRoleOutput{}, nil
}

func (f *fakeIAM) PutRolePolicy(_ context.Context, in *iam.PutRolePolicyInput, _ ...func(*iam.Options)) (*iam.PutRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("PutRolePolicy")
	f.policies[aws.ToString(in.RoleName)] = aws.ToString(in.PolicyDocument)
	return &iam.PutRolePolicyOutput{}, nil
}

func (f *fakeIAM) CreateInstanceProfile(_ context.Context, in *iam.CreateInstanceProfileInput, _ ...func(*iam.Options)) (*iam.CreateInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("CreateInstanceProfile")
	name := aws.ToString(in.InstanceProfileName)
	if _, ok := f.profiles[name]; ok {
		return nil, apiErr("EntityAlreadyExists")
	}
	f.profiles[name] = nil
	return &iam.CreateInstanceProfileOutput{}, nil
}

func (f *fakeIAM) GetInstanceProfile(_ context.Context, in *iam.GetInstanceProfileInput, _ ...func(*iam.Options)) (*iam.GetInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.InstanceProfileName)
	roles, ok := f.profiles[name]
	if !ok {
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("no profile")}
	}
	profile := &iamtypes.InstanceProfile{InstanceProfileName: aws.String(name)}
	for _, r := range roles {
		profile.Roles = append(profile.Roles, iamtypes.Role{RoleName: aws.String(r)})
	}
	return &iam.GetInstanceProfileOutput{InstanceProfile: profile}, nil
}

func (f *fakeIAM) AddRoleToInstanceProfile(_ context.Context, in *iam.AddRoleToInstanceProfileInput, _ ...func(*iam.Options)) (*iam.AddRoleToInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("AddRoleToInstanceProfile")
	name := aws.ToString(in.InstanceProfileName)
	f.profiles[name] = append(f.profiles[name], aws.ToString(in.RoleName))
	return &iam.AddRoleToInstanceProfileOutput{}, nil
}

func (f *fakeIAM) RemoveRoleFromInstanceProfile(_ context.Context, in *iam.RemoveRoleFromInstanceProfileInput, _ ...func(*iam.Options)) (*iam.RemoveRoleFromInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("RemoveRoleFromInstanceProfile")
	name := aws.ToString(in.InstanceProfileName)
	if _, ok := f.profiles[name]; !ok {
		return nil, apiErr("NoSuchEntity")
	}
	f.profiles[name] = nil
	return &iam.RemoveRoleFromInstanceProfileOutput{}, nil
}

func (f *fakeIAM) DeleteInstanceProfile(_ context.Context, in *iam.DeleteInstanceProfileInput, _ ...func(*iam.Options)) (*iam.DeleteInstanceProfileOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteInstanceProfile")
	name := aws.ToString(in.InstanceProfileName)
	if _, ok := f.profiles[name]; !ok {
		return nil, apiErr("NoSuchEntity")
	}
	delete(f.profiles, name)
	return &iam.DeleteInstanceProfileOutput{}, nil
}

func (f *fakeIAM) DeleteRolePolicy(_ context.Context, in *iam.DeleteRolePolicyInput, _ ...func(*iam.Options)) (*iam.DeleteRolePolicyOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteRolePolicy")
	name := aws.ToString(in.RoleName)
	if _, ok := f.policies[name]; !ok {
		return nil, apiErr("NoSuchEntity")
	}
	delete(f.policies, name)
	return &iam.DeleteRolePolicyOutput{}, nil
}

func (f *fakeIAM) DeleteRole(_ context.Context, in *iam.DeleteRoleInput, _ ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("DeleteRole")
	name := aws.ToString(in.RoleName)
	if !f.roles[name] {
		return nil, apiErr("NoSuchEntity")
	}
	delete(f.roles, name)
	return &iam.DeleteRoleOutput{}, nil
}

func TestEnsureAccessCreatesInstanceProfile(t *testing.T) {
	fake := newFakeIAM()
	c := &Client{iamClient: fake}
	ctx := context.Background()

	req := models.AccessRequest{
		Project:  "Demo",
		Buckets:  []string{"spotrun-demo", "shared-data"},
		LogGroup: models.LogGroupName("Demo"),
		Role:     true,
	}
	access, err := c.EnsureAccess(ctx, req)
	if err != nil {
		t.Fatalf("EnsureAccess: %v", err)
	}
	if access.InstanceProfile != "spotrun-demo" || access.KeyName != "" {
		t.Fatalf("access = %+v", access)
	}
	if roles := fake.profiles["spotrun-demo"]; len(roles) != 1 || roles[0] != "spotrun-demo" {
		t.Fatalf("profile roles = %v", roles)
	}

	var doc policyDocument
	if err := json.Unmarshal([]byte(fake.policies["spotrun-demo"]), &doc); err != nil {
		t.Fatalf("policy is not json: %v", err)
	}
	policy := fake.policies["spotrun-demo"]
	for _, want := range []string{"arn:aws:s3:::spotrun-demo/*", "arn:aws:s3:::shared-data", "s3:PutObject", "log-group:/spotrun/demo:*", "logs:PutLogEvents"} {
		if !strings.Contains(policy, want) {
			t.Fatalf("policy missing %s: %s", want, policy)
		}
	}

	// a second call reuses the role and profile
	if _, err := c.EnsureAccess(ctx, req); err != nil {
		t.Fatalf("second EnsureAccess: %v", err)
	}
	if roles := fake.profiles["spotrun-demo"]; len(roles) != 1 {
		t.Fatalf("role attached %d times", len(roles))
	}
}

func TestDeleteInstanceProfileIgnoresMissing(t *testing.T) {
	fake := newFakeIAM()
	c := &Client{iamClient: fake}
	ctx := context.Background()

	if _, err := c.ensureInstanceProfile(ctx, "demo", "spotrun-demo", []string{"spotrun-demo"}, ""); err != nil {
		t.Fatalf("ensureInstanceProfile: %v", err)
	}
	if err := c.deleteInstanceProfile(ctx, "spotrun-demo"); err != nil {
		t.Fatalf("deleteInstanceProfile: %v", err)
	}
	if len(fake.roles) != 0 || len(fake.profiles) != 0 || len(fake.policies) != 0 {
		t.Fatalf("leftovers: roles=%v profiles=%v policies=%v", fake.roles, fake.profiles, fake.policies)
	}
	if err := c.deleteInstanceProfile(ctx, "spotrun-demo"); err != nil {
		t.Fatalf("deleting again: %v", err)
	}
}

func TestInstancePolicyRequiresBucket(t *testing.T) {
	if _, err := instancePolicy(nil, "/spotrun/demo"); err == nil {
		t.Fatal("expected error without buckets")
	}
}

func TestLaunchErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"no capacity", apiErr("InsufficientInstanceCapacity"), true},
		{"profile not propagated", &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "Value (spotrun-demo) for parameter iamInstanceProfile.name is invalid"}, true},
		{"bad parameter", &smithy.GenericAPIError{Code: "InvalidParameterValue", Message: "invalid instance type"}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := models.IsCapacityError(launchError(tt.err)); got != tt.retryable {
				t.Fatalf("retryable = %v, want %v", got, tt.retryable)
			}
		})
	}
}

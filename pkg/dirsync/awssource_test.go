package dirsync

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/identitystore"
	identitystoretypes "github.com/aws/aws-sdk-go-v2/service/identitystore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeIdentityStore serves canned pages keyed by NextToken.
type fakeIdentityStore struct {
	userPages       map[string]*identitystore.ListUsersOutput
	groupPages      map[string]*identitystore.ListGroupsOutput
	membershipPages map[string]map[string]*identitystore.ListGroupMembershipsOutput
}

func (f *fakeIdentityStore) ListUsers(ctx context.Context, params *identitystore.ListUsersInput, optFns ...func(*identitystore.Options)) (*identitystore.ListUsersOutput, error) {
	return f.userPages[aws.ToString(params.NextToken)], nil
}

func (f *fakeIdentityStore) ListGroups(ctx context.Context, params *identitystore.ListGroupsInput, optFns ...func(*identitystore.Options)) (*identitystore.ListGroupsOutput, error) {
	return f.groupPages[aws.ToString(params.NextToken)], nil
}

func (f *fakeIdentityStore) ListGroupMemberships(ctx context.Context, params *identitystore.ListGroupMembershipsInput, optFns ...func(*identitystore.Options)) (*identitystore.ListGroupMembershipsOutput, error) {
	return f.membershipPages[aws.ToString(params.GroupId)][aws.ToString(params.NextToken)], nil
}

func identityStoreUser(id, username, email string) identitystoretypes.User {
	return identitystoretypes.User{
		UserId:   aws.String(id),
		UserName: aws.String(username),
		Emails: []identitystoretypes.Email{
			{Value: aws.String(email), Primary: true},
		},
		Name: &identitystoretypes.Name{
			GivenName:  aws.String("Test"),
			FamilyName: aws.String("User"),
		},
	}
}

func TestIdentityStoreFetchPagesUsers(t *testing.T) {
	fake := &fakeIdentityStore{
		userPages: map[string]*identitystore.ListUsersOutput{
			"": {
				Users:     []identitystoretypes.User{identityStoreUser("u-1", "alice", "alice@example.com")},
				NextToken: aws.String("page-2"),
			},
			"page-2": {
				Users: []identitystoretypes.User{identityStoreUser("u-2", "bob", "bob@example.com")},
			},
		},
	}

	source := NewIdentityStoreSourceWithClient(fake, "d-123456")
	snapshot, err := source.Fetch(context.Background(), FetchOptions{IncludeUsers: true})
	require.NoError(t, err)

	require.Len(t, snapshot.Users, 2)
	assert.Equal(t, "u-1", snapshot.Users[0].ExternalID)
	assert.Equal(t, "alice", snapshot.Users[0].Username)
	assert.Equal(t, "alice@example.com", snapshot.Users[0].Email)
	assert.True(t, snapshot.Users[0].Active, "identity store users are always active")
	// No display name in the store falls back to the username.
	assert.Equal(t, "alice", snapshot.Users[0].DisplayName)
	assert.Equal(t, "Test", snapshot.Users[0].Attributes["given_name"])
}

func TestIdentityStoreFetchGroupsAndMemberships(t *testing.T) {
	fake := &fakeIdentityStore{
		groupPages: map[string]*identitystore.ListGroupsOutput{
			"": {
				Groups: []identitystoretypes.Group{
					{GroupId: aws.String("g-1"), DisplayName: aws.String("Engineering")},
				},
			},
		},
		membershipPages: map[string]map[string]*identitystore.ListGroupMembershipsOutput{
			"g-1": {
				"": {
					GroupMemberships: []identitystoretypes.GroupMembership{
						{MemberId: &identitystoretypes.MemberIdMemberUserId{Value: "u-1"}},
						{MemberId: &identitystoretypes.MemberIdMemberUserId{Value: "u-2"}},
					},
					NextToken: aws.String("more"),
				},
				"more": {
					GroupMemberships: []identitystoretypes.GroupMembership{
						{MemberId: &identitystoretypes.MemberIdMemberUserId{Value: "u-3"}},
					},
				},
			},
		},
	}

	source := NewIdentityStoreSourceWithClient(fake, "d-123456")
	snapshot, err := source.Fetch(context.Background(), FetchOptions{IncludeGroups: true})
	require.NoError(t, err)

	require.Len(t, snapshot.Groups, 1)
	assert.Equal(t, "Engineering", snapshot.Groups[0].DisplayName)
	assert.ElementsMatch(t, []Membership{
		{UserExternalID: "u-1", GroupExternalID: "g-1"},
		{UserExternalID: "u-2", GroupExternalID: "g-1"},
		{UserExternalID: "u-3", GroupExternalID: "g-1"},
	}, snapshot.Memberships)
}

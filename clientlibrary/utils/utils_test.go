/*
 * Copyright (c) 2018 VMware, Inc.
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy of this software and
 * associated documentation files (the "Software"), to deal in the Software without restriction, including
 * without limitation the rights to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is furnished to do
 * so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all copies or substantial
 * portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR IMPLIED, INCLUDING BUT
 * NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT.
 * IN NO EVENT SHALL THE AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY,
 * WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN CONNECTION WITH THE
 * SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.
 */
package utils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/stretchr/testify/assert"
)

func TestMustNewUUID(t *testing.T) {
	a, b := MustNewUUID(), MustNewUUID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestNewLeaseToken(t *testing.T) {
	assert.NotEqual(t, NewLeaseToken(), NewLeaseToken())
}

func TestAWSErrCode(t *testing.T) {
	err := awserr.New(dynamodb.ErrCodeConditionalCheckFailedException, "condition failed", nil)
	assert.Equal(t, dynamodb.ErrCodeConditionalCheckFailedException, AWSErrCode(err))
	assert.Equal(t, dynamodb.ErrCodeConditionalCheckFailedException, AWSErrCode(fmt.Errorf("put: %w", err)))
	assert.Equal(t, "", AWSErrCode(errors.New("plain")))
	assert.Equal(t, "", AWSErrCode(nil))
}
